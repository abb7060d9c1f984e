package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Role is the access level granted by an API key.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Scope represents an authorization scope.
type Scope string

const (
	ScopePreflightRun  Scope = "preflight:run"
	ScopeChecksRead    Scope = "checks:read"
	ScopeAbuseRead     Scope = "abuse:read"
	ScopeAbuseWrite    Scope = "abuse:write"
	ScopeDenyListRead  Scope = "denylist:read"
	ScopeDenyListWrite Scope = "denylist:write"
	ScopeAuditRead     Scope = "audit:read"
)

// RoleScopes maps roles to their allowed scopes.
var RoleScopes = map[Role][]Scope{
	RoleClient: {
		ScopePreflightRun,
		ScopeChecksRead,
	},
	RoleAdmin: {
		ScopePreflightRun,
		ScopeChecksRead,
		ScopeAbuseRead, ScopeAbuseWrite,
		ScopeDenyListRead, ScopeDenyListWrite,
		ScopeAuditRead,
	},
}

// HasScope checks if a role has a specific scope.
func (r Role) HasScope(scope Scope) bool {
	for _, s := range RoleScopes[r] {
		if s == scope {
			return true
		}
	}
	return false
}

// GetScopes returns all scopes for a role.
func (r Role) GetScopes() []Scope {
	return RoleScopes[r]
}

// KeyConfig holds the bearer keys. An empty key disables authentication
// for that role.
type KeyConfig struct {
	ClientKey string
	AdminKey  string
}

// Authenticator resolves bearer API keys to roles.
type Authenticator struct {
	cfg KeyConfig
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg KeyConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Resolve returns the role for a presented key. An empty key yields the
// highest role such that neither it nor any role below it has a configured
// key, if any. A configured client key therefore locks out anonymous callers.
func (a *Authenticator) Resolve(key string) (*AuthContext, error) {
	if key == "" {
		switch {
		case a.cfg.ClientKey != "":
			return nil, nil
		case a.cfg.AdminKey == "":
			return &AuthContext{Role: RoleAdmin, Anonymous: true}, nil
		default:
			return &AuthContext{Role: RoleClient, Anonymous: true}, nil
		}
	}

	if a.cfg.AdminKey != "" && keyEqual(key, a.cfg.AdminKey) {
		return &AuthContext{Role: RoleAdmin}, nil
	}
	if a.cfg.ClientKey != "" && keyEqual(key, a.cfg.ClientKey) {
		return &AuthContext{Role: RoleClient}, nil
	}
	return nil, fmt.Errorf("invalid API key")
}

func keyEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware attaches an AuthContext for valid or absent keys and rejects
// invalid ones.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			http.Error(w, `{"error":"malformed authorization header","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
			return
		}

		ac, err := a.Resolve(key)
		if err != nil {
			http.Error(w, `{"error":"invalid API key","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
			return
		}
		if ac != nil {
			r = r.WithContext(WithAuthContext(r.Context(), ac))
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken returns the token of an "Authorization: Bearer" header, or ""
// when there is no header. ok is false for a header of another shape.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", true
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// RequireScope returns middleware that requires a specific scope.
// Must be used after Authenticator.Middleware.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r.Context())
			if ac == nil {
				http.Error(w, `{"error":"authentication required","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
				return
			}

			if !ac.Role.HasScope(scope) {
				http.Error(w, fmt.Sprintf(`{"error":"missing required scope: %s","code":"FORBIDDEN"}`, scope), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
