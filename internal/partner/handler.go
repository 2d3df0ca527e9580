package partner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/joycircle/backend/internal/middleware"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/validation"
)

// Gateway is the set of kiosk operations served over HTTP.
type Gateway interface {
	CheckBalance(ctx context.Context, p *models.Partner, email, pin string) (int, error)
	Deduct(ctx context.Context, p *models.Partner, d DeductParams) (*DeductResult, error)
}

// Handler serves POST /api/v1/partner/redeem behind middleware.PartnerAuth.
type Handler struct {
	Service   Gateway
	Validator *validation.Validator
	Logger    *slog.Logger
}

type request struct {
	Action         string     `json:"action"`
	UserEmail      string     `json:"user_email"`
	PIN            string     `json:"pin"`
	EventID        *uuid.UUID `json:"event_id"`
	EventTitle     string     `json:"event_title"`
	CoinCost       int        `json:"coin_cost"`
	IdempotencyKey string     `json:"idempotency_key"`
}

type balanceResponse struct {
	Success bool `json:"success"`
	Balance int  `json:"balance"`
}

type deductResponse struct {
	Success       bool   `json:"success"`
	Balance       int    `json:"balance"`
	TransactionID string `json:"transaction_id"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := middleware.PartnerFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, ErrInvalidAPIKey.Error())
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req request
	if err := h.Validator.Decode("partner."+validation.Action(body), body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Action {
	case "check_balance":
		balance, err := h.Service.CheckBalance(r.Context(), p, req.UserEmail, req.PIN)
		if err != nil {
			h.fail(w, p, req.Action, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{Success: true, Balance: balance})
	case "deduct":
		res, err := h.Service.Deduct(r.Context(), p, DeductParams{
			Email:          req.UserEmail,
			PIN:            req.PIN,
			EventID:        req.EventID,
			EventTitle:     req.EventTitle,
			Cost:           req.CoinCost,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			h.fail(w, p, req.Action, err)
			return
		}
		writeJSON(w, http.StatusOK, deductResponse{Success: true, Balance: res.Balance, TransactionID: res.TransactionID.String()})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

// fail never logs the request body; it carries the PIN.
func (h *Handler) fail(w http.ResponseWriter, p *models.Partner, action string, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, ErrInvalidCredential.Error())
	case errors.Is(err, ErrInvalidAPIKey):
		writeError(w, http.StatusUnauthorized, ErrInvalidAPIKey.Error())
	case errors.Is(err, ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient coins")
	case errors.Is(err, ErrKeyReused):
		writeError(w, http.StatusBadRequest, ErrKeyReused.Error())
	default:
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("partner action failed", "action", action, "partner_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
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
