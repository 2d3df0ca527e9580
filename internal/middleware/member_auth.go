package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/joycircle/backend/internal/models"
)

// TokenValidator resolves a member token to its subject and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// MemberAuth authenticates app requests with a member JWT and stores the
// caller in the request context.
func MemberAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := WithCaller(r.Context(), &models.Caller{MemberID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after MemberAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromCtx(r.Context())
		if caller == nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !caller.IsAdmin() {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerFromCtx returns the authenticated member or nil.
func CallerFromCtx(ctx context.Context) *models.Caller {
	c, _ := ctx.Value(ctxCallerKey).(*models.Caller)
	return c
}

// WithCaller returns a context carrying the given member.
func WithCaller(ctx context.Context, c *models.Caller) context.Context {
	return context.WithValue(ctx, ctxCallerKey, c)
}
