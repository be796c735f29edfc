// Package keypool tracks API credentials for every model provider and hands
// them out with rotation, rate-limit avoidance and per-model pinning.
package keypool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/agency/internal/keymanager"
	"github.com/jordanhubbard/agency/internal/metrics"
)

// DefaultKeyID is used when a caller does not name a key.
const DefaultKeyID = "default"

// DefaultRetryAfter is the rate-limit window applied when the provider gave none.
const DefaultRetryAfter = 60 * time.Second

var (
	ErrKeyNotFound     = errors.New("credential not found")
	ErrExhausted       = errors.New("no usable credential")
	ErrUnknownProvider = errors.New("unknown provider")
)

// KeyStatus is the health record kept for each registered key.
type KeyStatus struct {
	LastUsed       time.Time `json:"last_used"`
	ErrorCount     int       `json:"error_count"`
	RateLimitUntil time.Time `json:"rate_limit_until"`
	TotalRequests  int64     `json:"total_requests"`
}

// KeyUsage is a status snapshot for reporting.
type KeyUsage struct {
	Provider    Provider  `json:"provider"`
	KeyID       string    `json:"key_id"`
	Status      KeyStatus `json:"status"`
	RateLimited bool      `json:"rate_limited"`
	Models      []string  `json:"models,omitempty"`
}

// SecretStore persists credentials. *keymanager.Vault implements it.
type SecretStore interface {
	Put(provider, keyID, secret string) error
	Delete(provider, keyID string) error
	Credentials() ([]keymanager.Credential, error)
}

type modelKey struct {
	provider Provider
	keyID    string
}

// Manager is the provider key registry. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	secrets map[Provider]map[string]string
	order   map[Provider][]string // registration order, drives round robin
	cursor  map[Provider]int      // next index to try
	status  map[Provider]map[string]*KeyStatus
	models  map[string]modelKey

	store   SecretStore
	now     func() time.Time
	getenv  func(string) string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists keys through s.
func WithStore(s SecretStore) Option { return func(m *Manager) { m.store = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithEnv overrides environment lookup for the fallback credential.
func WithEnv(getenv func(string) string) Option { return func(m *Manager) { m.getenv = getenv } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records selections and failures.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// New creates an empty manager. Call Load to populate it from the store.
func New(opts ...Option) *Manager {
	m := &Manager{
		secrets: make(map[Provider]map[string]string),
		order:   make(map[Provider][]string),
		cursor:  make(map[Provider]int),
		status:  make(map[Provider]map[string]*KeyStatus),
		models:  make(map[string]modelKey),
		now:     time.Now,
		getenv:  os.Getenv,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the in-memory registry with the store's contents.
// Status of keys that survive the reload is kept.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	creds, err := m.store.Credentials()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	secrets := make(map[Provider]map[string]string)
	order := make(map[Provider][]string)
	for _, c := range creds {
		p, err := ParseProvider(c.Provider)
		if err != nil {
			m.logger.Warn("skipping stored credential", "provider", c.Provider, "key_id", c.KeyID, "error", err)
			continue
		}
		if secrets[p] == nil {
			secrets[p] = make(map[string]string)
		}
		if _, dup := secrets[p][c.KeyID]; !dup {
			order[p] = append(order[p], c.KeyID)
		}
		secrets[p][c.KeyID] = c.Secret
	}

	status := make(map[Provider]map[string]*KeyStatus)
	for p, ids := range order {
		status[p] = make(map[string]*KeyStatus, len(ids))
		for _, id := range ids {
			if st, ok := m.status[p][id]; ok {
				status[p][id] = st
			} else {
				status[p][id] = &KeyStatus{}
			}
		}
		if m.cursor[p] >= len(ids) {
			m.cursor[p] = 0
		}
	}
	for p := range m.cursor {
		if len(order[p]) == 0 {
			delete(m.cursor, p)
		}
	}
	for model, mk := range m.models {
		if _, ok := secrets[mk.provider][mk.keyID]; !ok {
			delete(m.models, model)
		}
	}

	m.secrets, m.order, m.status = secrets, order, status
	m.logger.Info("credentials loaded", "count", len(creds))
	return nil
}

// Reload is Load under the name used by file watchers.
func (m *Manager) Reload() error { return m.Load() }

// AddKey registers or replaces a key. Replacing keeps the key's position
// in the rotation and its status.
func (m *Manager) AddKey(p Provider, keyID, secret string) error {
	if keyID == "" {
		keyID = DefaultKeyID
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(string(p), keyID, secret); err != nil {
			return fmt.Errorf("failed to persist key %s/%s: %w", p, keyID, err)
		}
	}

	if m.secrets[p] == nil {
		m.secrets[p] = make(map[string]string)
		m.status[p] = make(map[string]*KeyStatus)
	}
	if _, exists := m.secrets[p][keyID]; !exists {
		m.order[p] = append(m.order[p], keyID)
		m.status[p][keyID] = &KeyStatus{}
	}
	m.secrets[p][keyID] = secret

	m.logger.Info("added API key", "provider", p, "key_id", keyID)
	return nil
}

// GetKey returns a named key, falling back to the provider's environment
// variable. An empty keyID means DefaultKeyID.
func (m *Manager) GetKey(p Provider, keyID string) (string, error) {
	if keyID == "" {
		keyID = DefaultKeyID
	}

	m.mu.Lock()
	if secret, ok := m.secrets[p][keyID]; ok {
		m.touchLocked(p, keyID)
		m.mu.Unlock()
		return secret, nil
	}
	m.mu.Unlock()

	if secret := m.getenv(p.EnvVar()); secret != "" {
		return secret, nil
	}
	m.logger.Warn("no API key found", "provider", p, "key_id", keyID)
	return "", fmt.Errorf("%w: %s/%s", ErrKeyNotFound, p, keyID)
}

// GetNextKey rotates through the provider's keys in registration order,
// skipping rate-limited ones.
func (m *Manager) GetNextKey(p Provider) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.order[p]
	n := len(ids)
	now := m.now()
	for i := 0; i < n; i++ {
		idx := (m.cursor[p] + i) % n
		id := ids[idx]
		if m.limitedLocked(p, id, now) {
			continue
		}
		m.cursor[p] = (idx + 1) % n
		m.touchLocked(p, id)
		m.metrics.RecordKeySelection(string(p), "next")
		return id, m.secrets[p][id], nil
	}

	m.metrics.RecordKeyExhausted(string(p))
	m.logger.Warn("all keys rate limited or none registered", "provider", p, "keys", n)
	return "", "", fmt.Errorf("%w for %s", ErrExhausted, p)
}

// GetBestKey picks the non-limited key with the fewest errors, breaking ties
// by least recent use and then registration order.
func (m *Manager) GetBestKey(p Provider) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	best := ""
	var bestStatus *KeyStatus
	for _, id := range m.order[p] {
		if m.limitedLocked(p, id, now) {
			continue
		}
		st := m.status[p][id]
		if bestStatus == nil ||
			st.ErrorCount < bestStatus.ErrorCount ||
			(st.ErrorCount == bestStatus.ErrorCount && st.LastUsed.Before(bestStatus.LastUsed)) {
			best, bestStatus = id, st
		}
	}
	if bestStatus == nil {
		m.metrics.RecordKeyExhausted(string(p))
		m.logger.Warn("no available keys", "provider", p)
		return "", "", fmt.Errorf("%w for %s", ErrExhausted, p)
	}

	m.touchLocked(p, best)
	m.metrics.RecordKeySelection(string(p), "best")
	return best, m.secrets[p][best], nil
}

// MarkKeyError records a failed call. A rate-limited failure also blocks
// the key for retryAfter (DefaultRetryAfter when zero). The block window
// only ever extends.
func (m *Manager) MarkKeyError(p Provider, keyID string, rateLimited bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.status[p][keyID]
	if !ok {
		m.logger.Debug("error reported for unknown key", "provider", p, "key_id", keyID)
		return
	}
	st.ErrorCount++
	m.metrics.RecordKeyError(string(p), rateLimited)

	if rateLimited {
		if retryAfter <= 0 {
			retryAfter = DefaultRetryAfter
		}
		until := m.now().Add(retryAfter)
		if until.After(st.RateLimitUntil) {
			st.RateLimitUntil = until
		}
		m.logger.Warn("key rate limited", "provider", p, "key_id", keyID, "until", st.RateLimitUntil)
	} else {
		m.logger.Warn("key error", "provider", p, "key_id", keyID, "error_count", st.ErrorCount)
	}
}

// ResetErrors clears a key's error count and rate limit.
func (m *Manager) ResetErrors(p Provider, keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.status[p][keyID]; ok {
		st.ErrorCount = 0
		st.RateLimitUntil = time.Time{}
	}
}

// IsRateLimited reports whether the key is inside its rate-limit window.
func (m *Manager) IsRateLimited(p Provider, keyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitedLocked(p, keyID, m.now())
}

// AssignModelToKey pins modelID to a registered key.
func (m *Manager) AssignModelToKey(modelID string, p Provider, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[p][keyID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, p, keyID)
	}
	m.models[modelID] = modelKey{provider: p, keyID: keyID}
	m.logger.Info("assigned model to key", "model", modelID, "provider", p, "key_id", keyID)
	return nil
}

// GetKeyForModel returns the key pinned to modelID. It fails with
// ErrKeyNotFound when nothing is pinned and ErrExhausted when the pinned
// key is rate limited.
func (m *Manager) GetKeyForModel(modelID string) (Provider, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk, ok := m.models[modelID]
	if !ok {
		return "", "", "", fmt.Errorf("%w: no key assigned to model %s", ErrKeyNotFound, modelID)
	}
	secret, ok := m.secrets[mk.provider][mk.keyID]
	if !ok {
		delete(m.models, modelID)
		return "", "", "", fmt.Errorf("%w: %s/%s", ErrKeyNotFound, mk.provider, mk.keyID)
	}
	if m.limitedLocked(mk.provider, mk.keyID, m.now()) {
		return mk.provider, mk.keyID, "", fmt.Errorf("%w: %s/%s is rate limited", ErrExhausted, mk.provider, mk.keyID)
	}
	m.touchLocked(mk.provider, mk.keyID)
	m.metrics.RecordKeySelection(string(mk.provider), "model")
	return mk.provider, mk.keyID, secret, nil
}

// RemoveKey deletes a key with its status and model pins. It reports
// whether the key existed. When the store cannot delete the key nothing
// changes, so a later reload cannot bring it back.
func (m *Manager) RemoveKey(p Provider, keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[p][keyID]; !ok {
		return false, nil
	}
	if m.store != nil {
		if err := m.store.Delete(string(p), keyID); err != nil {
			m.logger.Error("failed to delete persisted key", "provider", p, "key_id", keyID, "error", err)
			return true, fmt.Errorf("failed to delete key %s/%s: %w", p, keyID, err)
		}
	}

	delete(m.secrets[p], keyID)
	delete(m.status[p], keyID)
	ids := m.order[p]
	for i, id := range ids {
		if id != keyID {
			continue
		}
		m.order[p] = append(ids[:i:i], ids[i+1:]...)
		if i < m.cursor[p] {
			m.cursor[p]--
		}
		break
	}
	if len(m.order[p]) == 0 {
		delete(m.secrets, p)
		delete(m.status, p)
		delete(m.order, p)
		delete(m.cursor, p)
	} else if m.cursor[p] >= len(m.order[p]) {
		m.cursor[p] = 0
	}
	for model, mk := range m.models {
		if mk.provider == p && mk.keyID == keyID {
			delete(m.models, model)
		}
	}

	m.logger.Info("removed API key", "provider", p, "key_id", keyID)
	return true, nil
}

// ListProviders returns providers with at least one key, sorted.
func (m *Manager) ListProviders() []Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Provider, 0, len(m.order))
	for p, ids := range m.order {
		if len(ids) > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListKeys returns the provider's key ids in rotation order.
func (m *Manager) ListKeys(p Provider) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order[p]...)
}

// Status returns a copy of a key's status.
func (m *Manager) Status(p Provider, keyID string) (KeyStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[p][keyID]
	if !ok {
		return KeyStatus{}, false
	}
	return *st, true
}

// Stats returns usage for every key of every provider.
func (m *Manager) Stats() []KeyUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := make(map[modelKey][]string)
	for model, mk := range m.models {
		pinned[mk] = append(pinned[mk], model)
	}

	now := m.now()
	var out []KeyUsage
	providers := make([]Provider, 0, len(m.order))
	for p := range m.order {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	for _, p := range providers {
		for _, id := range m.order[p] {
			models := pinned[modelKey{provider: p, keyID: id}]
			sort.Strings(models)
			out = append(out, KeyUsage{
				Provider:    p,
				KeyID:       id,
				Status:      *m.status[p][id],
				RateLimited: m.limitedLocked(p, id, now),
				Models:      models,
			})
		}
	}
	return out
}

func (m *Manager) limitedLocked(p Provider, keyID string, now time.Time) bool {
	st, ok := m.status[p][keyID]
	return ok && now.Before(st.RateLimitUntil)
}

func (m *Manager) touchLocked(p Provider, keyID string) {
	if st, ok := m.status[p][keyID]; ok {
		st.LastUsed = m.now()
		st.TotalRequests++
	}
}
