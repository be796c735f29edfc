package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions checked by the HTTP API.
const (
	PermBeamSubmit = "beam:submit"
	PermTasksRead  = "tasks:read"
	PermTasksWrite = "tasks:write"
	PermKeysRead   = "keys:read"
	PermKeysWrite  = "keys:write"
	PermEventsRead = "events:read"
	PermLogsRead   = "logs:read"
	PermAPIKeys    = "apikeys:create"
	PermAll        = "*:*"
)

// Role names
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Role groups permissions under a name.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// PreDefinedRoles are the roles every manager starts with.
var PreDefinedRoles = map[string]Role{
	RoleAdmin: {Name: RoleAdmin, Permissions: []string{PermAll}},
	RoleOperator: {Name: RoleOperator, Permissions: []string{
		PermBeamSubmit, "tasks:*", PermKeysRead, PermEventsRead, PermLogsRead, PermAPIKeys,
	}},
	RoleViewer: {Name: RoleViewer, Permissions: []string{
		PermTasksRead, PermKeysRead, PermEventsRead,
	}},
}

// User is an account that can request tokens.
type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the JWT payload.
type Claims struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// APIKey is a long-lived credential for service accounts. Only the hash
// is kept.
type APIKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	KeyPrefix   string    `json:"key_prefix"`
	KeyHash     string    `json:"-"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoginRequest is the body of POST /api/v1/auth/token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a signed token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      User   `json:"user"`
}

// CreateAPIKeyRequest asks for a new API key.
type CreateAPIKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	ExpiresIn   int64    `json:"expires_in,omitempty"` // seconds
}

// CreateAPIKeyResponse returns the key value exactly once.
type CreateAPIKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
