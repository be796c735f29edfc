package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/agency/pkg/config"
)

const issuer = "agency"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrUserExists         = errors.New("username already exists")
	ErrUnknownRole        = errors.New("unknown role")
)

// Manager issues and validates tokens for a fixed set of users.
type Manager struct {
	mu        sync.RWMutex
	jwtSecret []byte
	tokenTTL  time.Duration
	users     map[string]*User
	passwords map[string]string // username -> bcrypt hash
	apiKeys   map[string]*APIKey
	roles     map[string]Role
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a manager from the security config. Users listed in
// cfg.Users carry bcrypt hashes and get the admin role. Without a secret a
// random one is generated, so tokens do not survive a restart.
func NewManager(cfg config.SecurityConfig, opts ...Option) *Manager {
	m := &Manager{
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  cfg.TokenTTL,
		users:     make(map[string]*User),
		passwords: make(map[string]string),
		apiKeys:   make(map[string]*APIKey),
		roles:     make(map[string]Role, len(PreDefinedRoles)),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.jwtSecret) == 0 {
		m.jwtSecret = []byte(generateRandomSecret(32))
		m.logger.Warn("generated random JWT secret for session (not persistent)")
	}
	if m.tokenTTL <= 0 {
		m.tokenTTL = 24 * time.Hour
	}
	for name, role := range PreDefinedRoles {
		m.roles[name] = role
	}
	for username, hash := range cfg.Users {
		m.users[username] = &User{Username: username, Role: RoleAdmin, CreatedAt: m.now()}
		m.passwords[username] = hash
	}
	return m
}

// AddUser registers a user with a plaintext password.
func (m *Manager) AddUser(username, password, role string) (*User, error) {
	if _, ok := m.roles[role]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	u := &User{Username: username, Role: role, CreatedAt: m.now()}
	m.users[username] = u
	m.passwords[username] = string(hash)
	m.logger.Info("created user", "username", username, "role", role)
	return u, nil
}

// ListUsers returns users sorted by name.
func (m *Manager) ListUsers() []User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Login checks the password and returns a signed token.
func (m *Manager) Login(username, password string) (*LoginResponse, error) {
	m.mu.RLock()
	user, ok := m.users[username]
	hash := m.passwords[username]
	m.mu.RUnlock()
	if !ok || hash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := m.GenerateToken(user)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		Token:     token,
		ExpiresIn: int64(m.tokenTTL.Seconds()),
		User:      *user,
	}, nil
}

// GenerateToken signs an HS256 token carrying the user's role permissions.
func (m *Manager) GenerateToken(user *User) (string, error) {
	role, exists := m.roles[user.Role]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, user.Role)
	}

	now := m.now()
	claims := &Claims{
		Username:    user.Username,
		Role:        user.Role,
		Permissions: role.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   user.Username,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// ValidateToken parses a token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CreateAPIKey mints a key for username. The value is returned once.
func (m *Manager) CreateAPIKey(username string, req CreateAPIKeyRequest) (*CreateAPIKeyResponse, error) {
	keyValue := generateRandomSecret(32)
	keyHash, err := bcrypt.GenerateFromPassword([]byte(keyValue), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return nil, fmt.Errorf("user not found: %s", username)
	}

	now := m.now()
	key := &APIKey{
		ID:          "key-" + generateRandomSecret(8),
		Name:        req.Name,
		Username:    username,
		KeyPrefix:   keyValue[:8],
		KeyHash:     string(keyHash),
		Permissions: req.Permissions,
		CreatedAt:   now,
	}
	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		exp := now.Add(time.Duration(req.ExpiresIn) * time.Second)
		key.ExpiresAt = exp
		expiresAt = &exp
	}
	m.apiKeys[key.ID] = key
	m.logger.Info("created API key", "prefix", key.KeyPrefix, "username", username)

	return &CreateAPIKeyResponse{ID: key.ID, Name: req.Name, Key: keyValue, ExpiresAt: expiresAt}, nil
}

// RevokeAPIKey deletes a key.
func (m *Manager) RevokeAPIKey(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.apiKeys[id]
	delete(m.apiKeys, id)
	return ok
}

// ValidateAPIKey returns claims for a live key.
func (m *Manager) ValidateAPIKey(keyValue string) (*Claims, error) {
	if len(keyValue) < 8 {
		return nil, ErrInvalidAPIKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range m.apiKeys {
		if key.KeyPrefix != keyValue[:8] {
			continue
		}
		if !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(keyValue)) != nil {
			continue
		}
		key.LastUsed = now
		return &Claims{
			Username:         key.Username,
			Role:             "api_key",
			Permissions:      key.Permissions,
			RegisteredClaims: jwt.RegisteredClaims{Subject: key.Username, ID: key.ID},
		}, nil
	}
	return nil, ErrInvalidAPIKey
}

// HasPermission reports whether claims grant permission, honouring
// "*:*" and "resource:*" wildcards.
func HasPermission(claims *Claims, permission string) bool {
	if claims == nil {
		return false
	}
	resource, _, _ := strings.Cut(permission, ":")
	for _, p := range claims.Permissions {
		if p == permission || p == PermAll || p == resource+":*" {
			return true
		}
	}
	return false
}

// HashPassword returns a bcrypt hash suitable for the users config map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func generateRandomSecret(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
