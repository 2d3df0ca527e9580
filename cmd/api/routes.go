package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/config"
	"github.com/joycircle/backend/internal/dashboard"
	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/metrics"
	"github.com/joycircle/backend/internal/partner"
	"github.com/joycircle/backend/internal/repository"
	"github.com/joycircle/backend/internal/router"
	"github.com/joycircle/backend/internal/rsvp"
	"github.com/joycircle/backend/internal/validation"
)

type repos struct {
	accounts     *repository.AccountRepo
	transactions *repository.TransactionRepo
	reservations *repository.ReservationRepo
	rsvps        *repository.RSVPRepo
	events       *repository.EventRepo
	partners     *repository.PartnerRepo
}

func newRepos(pool *pgxpool.Pool) *repos {
	return &repos{
		accounts:     repository.NewAccountRepo(pool),
		transactions: repository.NewTransactionRepo(pool),
		reservations: repository.NewReservationRepo(pool),
		rsvps:        repository.NewRSVPRepo(pool),
		events:       repository.NewEventRepo(pool),
		partners:     repository.NewPartnerRepo(pool),
	}
}

// buildHandler wires services onto the /api/v1 routes.
// Chain: Limits -> MemberAuth | PartnerAuth -> (RequireAdmin) -> handler.
func buildHandler(
	cfg *config.Config,
	pool *pgxpool.Pool,
	r *repos,
	m *metrics.Metrics,
	reg *prometheus.Registry,
	queue dashboard.ReconcileEnqueuer,
	logger *slog.Logger,
) http.Handler {
	validator := validation.MustNew()
	led := ledger.NewService(r.accounts, r.transactions, r.reservations, m)

	rsvpSvc := &rsvp.Service{
		DB:           pool,
		Events:       r.events,
		RSVPs:        r.rsvps,
		Accounts:     r.accounts,
		Reservations: r.reservations,
		Ledger:       led,
		Logger:       logger,
	}
	partnerSvc := &partner.Service{DB: pool, Accounts: r.accounts, Ledger: led, Logger: logger}

	return router.New(router.Deps{
		Tokens:         auth.NewService(cfg.JWTSecret),
		Partners:       r.partners,
		RSVP:           &rsvp.Handler{Service: rsvpSvc, Validator: validator, Logger: logger},
		Partner:        &partner.Handler{Service: partnerSvc, Validator: validator, Logger: logger},
		Dashboard:      dashboard.NewHandler(pool, r.accounts, r.transactions, led, queue, validator, logger),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:         pool.Ping,
		RequestTimeout: cfg.RequestTimeout,
	})
}
