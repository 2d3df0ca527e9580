// Package dashboard serves the member coin endpoints and the admin ledger
// operations.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/middleware"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
	"github.com/joycircle/backend/internal/validation"
)

type AccountStore interface {
	GetByMemberID(ctx context.Context, memberID uuid.UUID) (*models.Account, error)
	SetPinHash(ctx context.Context, memberID uuid.UUID, pinHash string) error
}

type EntryLister interface {
	ListByMemberID(ctx context.Context, memberID uuid.UUID) ([]*models.Transaction, error)
}

type Granter interface {
	GrantOnce(ctx context.Context, tx pgx.Tx, p ledger.GrantParams) (*models.Transaction, bool, error)
}

// ReconcileEnqueuer is satisfied by *execution.Enqueuer.
type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, requestedBy uuid.UUID) (int64, error)
}

type Handler struct {
	db        repository.TxBeginner
	accounts  AccountStore
	entries   EntryLister
	ledger    Granter
	reconcile ReconcileEnqueuer
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(
	db repository.TxBeginner,
	accounts AccountStore,
	entries EntryLister,
	granter Granter,
	queue ReconcileEnqueuer,
	validator *validation.Validator,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		db:        db,
		accounts:  accounts,
		entries:   entries,
		ledger:    granter,
		reconcile: queue,
		validator: validator,
		log:       log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := h.validator.Decode(schema, body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// GET /api/v1/coins/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	acc, err := h.accounts.GetByMemberID(r.Context(), caller.MemberID)
	if errors.Is(err, repository.ErrNotFound) {
		// No grant yet: present an empty wallet rather than a 404.
		writeJSON(w, http.StatusOK, map[string]any{
			"member_id":      caller.MemberID,
			"balance":        0,
			"lifetime_spent": 0,
			"has_pin":        false,
		})
		return
	}
	if err != nil {
		h.log.Error("get account failed", "member_id", caller.MemberID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member_id":      acc.MemberID,
		"balance":        acc.Balance,
		"lifetime_spent": acc.LifetimeSpent,
		"has_pin":        acc.HasPIN(),
	})
}

// GET /api/v1/coins/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	entries, err := h.entries.ListByMemberID(r.Context(), caller.MemberID)
	if err != nil {
		h.log.Error("list ledger failed", "member_id", caller.MemberID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// POST /api/v1/coins/pin
func (h *Handler) SetPIN(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		PIN string `json:"pin"`
	}
	if !h.decode(w, r, "coins.pin", &body) {
		return
	}
	hash, err := auth.HashPIN(body.PIN)
	if errors.Is(err, auth.ErrInvalidPIN) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Error("hash pin failed", "member_id", caller.MemberID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch err := h.accounts.SetPinHash(r.Context(), caller.MemberID, hash); {
	case errors.Is(err, repository.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "no coin account")
	case err != nil:
		h.log.Error("set pin failed", "member_id", caller.MemberID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		h.log.Info("pin updated", "member_id", caller.MemberID)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// POST /api/v1/coins/grant (admin)
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var body struct {
		MemberID       uuid.UUID `json:"member_id"`
		Email          string    `json:"email"`
		Amount         int       `json:"amount"`
		Note           string    `json:"note"`
		IdempotencyKey string    `json:"idempotency_key"`
	}
	if !h.decode(w, r, "coins.grant", &body) {
		return
	}
	params := ledger.GrantParams{
		MemberID:       body.MemberID,
		Email:          body.Email,
		Amount:         body.Amount,
		Note:           body.Note,
		IdempotencyKey: body.IdempotencyKey,
	}
	var entry *models.Transaction
	var replayed bool
	grant := func(tx pgx.Tx) error {
		var err error
		entry, replayed, err = h.ledger.GrantOnce(r.Context(), tx, params)
		return err
	}
	err := repository.RunInTx(r.Context(), h.db, grant)
	if errors.Is(err, repository.ErrDuplicate) && body.IdempotencyKey != "" {
		// A concurrent grant with the same key committed first; this run finds it.
		err = repository.RunInTx(r.Context(), h.db, grant)
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrKeyReused):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrDuplicate):
		writeError(w, http.StatusConflict, "email belongs to another account")
		return
	case err != nil:
		h.log.Error("grant failed", "member_id", body.MemberID, "amount", body.Amount, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.Info("coins granted", "member_id", body.MemberID, "amount", body.Amount,
		"balance_after", entry.BalanceAfter, "granted_by", caller.MemberID, "replayed", replayed)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry, "replayed": replayed})
}

// POST /api/v1/admin/reconcile (admin)
func (h *Handler) EnqueueReconcile(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if !caller.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	id, err := h.reconcile.EnqueueReconcile(r.Context(), caller.MemberID)
	if err != nil {
		h.log.Error("enqueue reconcile failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}
