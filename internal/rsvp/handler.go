package rsvp

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

// Controller is the set of RSVP actions served over HTTP.
type Controller interface {
	Reserve(ctx context.Context, caller *models.Caller, p ReserveParams) (uuid.UUID, error)
	Cancel(ctx context.Context, caller *models.Caller, eventID uuid.UUID, rsvpID *uuid.UUID) (bool, error)
	CheckIn(ctx context.Context, caller *models.Caller, eventID, rsvpID uuid.UUID) error
	NoShow(ctx context.Context, caller *models.Caller, eventID, rsvpID uuid.UUID) error
}

// Handler serves POST /api/v1/rsvp.
type Handler struct {
	Service   Controller
	Validator *validation.Validator
	Logger    *slog.Logger
}

type request struct {
	Action           string          `json:"action"`
	EventID          uuid.UUID       `json:"event_id"`
	RSVPID           *uuid.UUID      `json:"rsvp_id"`
	PartySize        *int            `json:"party_size"`
	PartyComposition json.RawMessage `json:"party_composition"`
}

type reserveResponse struct {
	Success bool   `json:"success"`
	RSVPID  string `json:"rsvp_id"`
}

type cancelResponse struct {
	Success  bool `json:"success"`
	Refunded bool `json:"refunded"`
}

type okResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromCtx(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	action := validation.Action(body)
	var req request
	if err := h.Validator.Decode("rsvp."+action, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "rsvp":
		id, err := h.Service.Reserve(ctx, caller, ReserveParams{
			EventID:          req.EventID,
			PartySize:        req.PartySize,
			PartyComposition: nullIfEmpty(req.PartyComposition),
		})
		if err != nil {
			h.fail(w, req, caller, err)
			return
		}
		writeJSON(w, http.StatusOK, reserveResponse{Success: true, RSVPID: id.String()})
	case "cancel":
		refunded, err := h.Service.Cancel(ctx, caller, req.EventID, req.RSVPID)
		if err != nil {
			h.fail(w, req, caller, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, Refunded: refunded})
	case "checkin", "noshow":
		op := h.Service.CheckIn
		if req.Action == "noshow" {
			op = h.Service.NoShow
		}
		if err := op(ctx, caller, req.EventID, *req.RSVPID); err != nil {
			h.fail(w, req, caller, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{Success: true})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

// fail maps service errors onto the response status; anything unrecognised
// is logged and reported as internal.
func (h *Handler) fail(w http.ResponseWriter, req request, caller *models.Caller, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "INSUFFICIENT_FUNDS")
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("rsvp action failed", "action", req.Action, "member_id", caller.MemberID,
			"event_id", req.EventID, "rsvp_id", req.RSVPID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
