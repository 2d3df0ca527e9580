package router

import (
	"context"
	"net/http"
	"time"

	"github.com/joycircle/backend/internal/dashboard"
	"github.com/joycircle/backend/internal/middleware"
)

// Deps are the handlers and authenticators mounted by New.
type Deps struct {
	Tokens         middleware.TokenValidator
	Partners       middleware.PartnerLookup
	RSVP           http.Handler
	Partner        http.Handler
	Dashboard      *dashboard.Handler
	Metrics        http.Handler
	RequestTimeout time.Duration

	// Health reports whether storage is reachable.
	Health func(ctx context.Context) error
}

// New returns an http.Handler that serves the API under /api/v1.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	member := middleware.MemberAuth(d.Tokens)
	admin := func(h http.HandlerFunc) http.Handler { return member(middleware.RequireAdmin(h)) }
	kiosk := middleware.PartnerAuth(d.Partners)

	mux.Handle("POST "+base+"/rsvp", member(d.RSVP))
	mux.Handle("POST "+base+"/partner/redeem", kiosk(d.Partner))

	mux.Handle("GET "+base+"/coins/me", member(http.HandlerFunc(d.Dashboard.GetMe)))
	mux.Handle("GET "+base+"/coins/ledger", member(http.HandlerFunc(d.Dashboard.ListLedger)))
	mux.Handle("POST "+base+"/coins/pin", member(http.HandlerFunc(d.Dashboard.SetPIN)))
	mux.Handle("POST "+base+"/coins/grant", admin(d.Dashboard.Grant))
	mux.Handle("POST "+base+"/admin/reconcile", admin(d.Dashboard.EnqueueReconcile))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return middleware.Limits(d.RequestTimeout)(mux)
}
