package middleware

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/joycircle/backend/internal/models"
)

type contextKey string

const (
	ctxPartnerKey contextKey = "partner"
	ctxCallerKey  contextKey = "caller"
)

// PartnerLookup is the interface used by the partner API key middleware.
type PartnerLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.Partner, error)
}

// PartnerAuth authenticates kiosk requests by hashing the Bearer token
// (SHA-256) and looking it up among active partners.
func PartnerAuth(partners PartnerLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			partner, err := partners.FindByKeyHash(r.Context(), HashKey(raw))
			if err != nil || partner == nil || !partner.IsActive {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPartner(r.Context(), partner)))
		})
	}
}

// PartnerFromCtx returns the authenticated partner or nil.
func PartnerFromCtx(ctx context.Context) *models.Partner {
	p, _ := ctx.Value(ctxPartnerKey).(*models.Partner)
	return p
}

// WithPartner returns a context carrying the given partner.
func WithPartner(ctx context.Context, p *models.Partner) context.Context {
	return context.WithValue(ctx, ctxPartnerKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey is the stored form of a partner API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new raw partner key, its display prefix and its hash.
// Only the prefix and hash are stored.
func GenerateKey() (raw, prefix, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("key generation failed: %w", err)
	}
	raw = "joy_" + hex.EncodeToString(b)
	return raw, raw[:12], HashKey(raw), nil
}
