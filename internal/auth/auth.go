package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

// Identity is the authenticated caller attached to a request.
type Identity struct {
	ID   string
	Role string // "member", "employer", "mentor", "admin"
	Tier string // "free", "premium", "enterprise"
}

func (id Identity) IsAdmin() bool { return strings.EqualFold(id.Role, "admin") }

// Store is a static in-memory key store: secret -> identity.
// It stands in for the platform's token verification.
type Store struct {
	header   string
	bySecret map[string]Identity
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key"); a bearer
// token in Authorization is accepted as well.
func NewStatic(header string, pairs map[string]Identity) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

func (s *Store) identityFor(secret string) (Identity, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// WithIdentity injects the identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v := ctx.Value(keyIdentity)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok && id.ID != ""
}

func (s *Store) secretFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.header)); v != "" {
		return v
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(authz, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Middleware attaches the caller identity. Requests without credentials
// continue anonymously; unknown credentials are rejected.
func (s *Store) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := s.secretFrom(r)
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := s.identityFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, "missing_api_key", "authentication required")
			return
		}
		if !id.IsAdmin() {
			writeJSON(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
