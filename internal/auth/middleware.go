package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// anonymous is attached to requests when auth is disabled.
var anonymous = &Claims{Username: "anonymous", Role: RoleAdmin, Permissions: []string{PermAll}}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ClaimsFromContext returns the claims the middleware attached, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

// Authenticator turns a request into claims. A nil Manager lets every
// request through as an anonymous admin.
type Authenticator struct {
	manager *Manager
}

// NewAuthenticator returns middleware backed by m; pass nil to disable auth.
func NewAuthenticator(m *Manager) *Authenticator {
	return &Authenticator{manager: m}
}

// Enabled reports whether requests are checked.
func (a *Authenticator) Enabled() bool { return a.manager != nil }

// Authenticate resolves the bearer token, the X-API-Key header, or for
// websocket clients the access_token query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if a.manager == nil {
		return anonymous, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, ErrInvalidToken
		}
		return a.manager.ValidateToken(strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.manager.ValidateAPIKey(key)
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return a.manager.ValidateToken(token)
	}
	return nil, ErrInvalidToken
}

// Require wraps next so it only runs for callers holding permission.
func (a *Authenticator) Require(permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="agency"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !HasPermission(claims, permission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
