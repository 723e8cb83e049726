// Package auth authenticates inbound requests by bearer credential:
// either the admin token (constant-time compared) or a user's
// sha256-hashed per-user credential looked up in the store.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/kendrak/infergate/internal/apierr"
	"github.com/kendrak/infergate/internal/store"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is attached to the request context once a credential has
// been validated.
type Principal struct {
	UserID  string
	IsAdmin bool
}

// Middleware validates the bearer credential on every protected route.
type Middleware struct {
	adminToken string
	store      store.Store
}

func NewMiddleware(adminToken string, s store.Store) *Middleware {
	return &Middleware{adminToken: adminToken, store: s}
}

// Authenticate validates the request's bearer credential and, on
// success, attaches the resolved Principal to the request context
// before calling next.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeAuthError(w, apierr.Unauthenticated("missing or invalid API key"))
			return
		}

		p, err := m.validate(r.Context(), token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps a handler that must only be reachable by the admin
// credential; it assumes Authenticate has already run.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := FromContext(r.Context())
		if p == nil || !p.IsAdmin {
			writeAuthError(w, apierr.Forbidden("admin credential required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) validate(ctx context.Context, token string) (*Principal, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) == 1 {
		return &Principal{UserID: "admin", IsAdmin: true}, nil
	}

	hash := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(hash[:])

	user, err := m.store.GetUserByCredentialHash(ctx, hashHex)
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("credential lookup failed: %v", err))
	}
	if user == nil {
		return nil, apierr.Unauthenticated("invalid API key")
	}

	return &Principal{UserID: user.ID}, nil
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

// FromContext returns the Principal attached by Authenticate, or nil if
// none is present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func writeAuthError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Internal(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q}}`, apiErr.Message, apiErr.Type)
}
