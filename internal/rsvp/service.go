// Package rsvp drives attendance records and the coin reservations behind them.
package rsvp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/policy"
	"github.com/joycircle/backend/internal/repository"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = repository.ErrNotFound
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// EventStore reads events and who may manage them.
type EventStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	CanManage(ctx context.Context, memberID, eventID uuid.UUID) (bool, error)
}

// RSVPStore reads and writes attendance records inside a transaction.
type RSVPStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RSVP, error)
	GetByMemberEventForUpdate(ctx context.Context, tx pgx.Tx, memberID, eventID uuid.UUID) (*models.RSVP, error)
	CreateTx(ctx context.Context, tx pgx.Tx, v *models.RSVP) error
	UpdateTx(ctx context.Context, tx pgx.Tx, v *models.RSVP) error
}

// BalanceReader serves the pre-check before a hold.
type BalanceReader interface {
	GetBalance(ctx context.Context, memberID uuid.UUID) (int, error)
}

// ReservationReader reads a reservation inside a transaction.
type ReservationReader interface {
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error)
}

// Ledger is the subset of ledger.Service the controller drives.
type Ledger interface {
	Hold(ctx context.Context, tx pgx.Tx, memberID, eventID, rsvpID uuid.UUID, amount int) (*models.Reservation, error)
	Refund(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Reservation, error)
	Forfeit(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, resolution models.ResolutionType) (*models.Reservation, error)
	Redeem(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Reservation, error)
}

type Service struct {
	DB           repository.TxBeginner
	Events       EventStore
	RSVPs        RSVPStore
	Accounts     BalanceReader
	Reservations ReservationReader
	Ledger       Ledger
	Logger       *slog.Logger
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ReserveParams is a reserve-and-rsvp request.
type ReserveParams struct {
	EventID          uuid.UUID
	PartySize        *int
	PartyComposition json.RawMessage
}

// Reserve records that the caller is going to the event and, for a paid
// event, holds party_size * cost coins against the record. An existing record
// for the same member and event is reactivated in place; if it still has a
// held reservation no coins move.
func (s *Service) Reserve(ctx context.Context, caller *models.Caller, p ReserveParams) (uuid.UUID, error) {
	if caller == nil {
		return uuid.Nil, ErrUnauthenticated
	}
	event, err := s.Events.GetByID(ctx, p.EventID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("event %s: %w", p.EventID, err)
	}
	size := clampPartySize(p.PartySize, event.PartySizeLimit())
	total := 0
	if event.RequiresCoins() {
		total = size * event.CoinCostPerPerson
	}

	var rsvpID uuid.UUID
	reserve := func(tx pgx.Tx) error {
		existing, err := s.RSVPs.GetByMemberEventForUpdate(ctx, tx, caller.MemberID, event.ID)
		switch {
		case err == nil:
			rsvpID = existing.ID
			return s.reactivate(ctx, tx, existing, event, size, total, p.PartyComposition)
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("load rsvp: %w", err)
		}

		v := &models.RSVP{
			ID:               uuid.New(),
			MemberID:         caller.MemberID,
			EventID:          event.ID,
			Status:           models.RSVPStatusGoing,
			PartySize:        size,
			PartyComposition: p.PartyComposition,
		}
		// The hold goes first so a rejected debit leaves nothing behind; the
		// reservation's rsvp foreign key is checked at commit.
		if total > 0 {
			res, err := s.hold(ctx, tx, caller.MemberID, event.ID, v.ID, total)
			if err != nil {
				return err
			}
			v.CoinTotal = total
			v.ReservationID = &res.ID
		}
		if err := s.RSVPs.CreateTx(ctx, tx, v); err != nil {
			return fmt.Errorf("create rsvp: %w", err)
		}
		rsvpID = v.ID
		return nil
	}

	err = repository.RunInTx(ctx, s.DB, reserve)
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent first RSVP for the same member and event won the insert.
		err = repository.RunInTx(ctx, s.DB, reserve)
	}
	if err != nil {
		return uuid.Nil, err
	}
	s.logger().Info("rsvp going", "member_id", caller.MemberID, "event_id", event.ID, "rsvp_id", rsvpID, "coins", total)
	return rsvpID, nil
}

// hold checks the balance and then holds total coins. Callers only reach it
// when coins will move, so a repeat RSVP that keeps its hold is never rejected.
func (s *Service) hold(ctx context.Context, tx pgx.Tx, memberID, eventID, rsvpID uuid.UUID, total int) (*models.Reservation, error) {
	if err := s.precheck(ctx, memberID, total); err != nil {
		return nil, err
	}
	return s.Ledger.Hold(ctx, tx, memberID, eventID, rsvpID, total)
}

func (s *Service) precheck(ctx context.Context, memberID uuid.UUID, total int) error {
	balance, err := s.Accounts.GetBalance(ctx, memberID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance < total {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *Service) reactivate(ctx context.Context, tx pgx.Tx, v *models.RSVP, event *models.Event, size, total int, composition json.RawMessage) error {
	held := false
	if v.ReservationID != nil {
		res, err := s.Reservations.GetByIDTx(ctx, tx, *v.ReservationID)
		if err != nil {
			return fmt.Errorf("load reservation: %w", err)
		}
		held = res.Status == models.ReservationHeld
	}
	// A held reservation keeps its original party size and amount.
	if !held {
		v.ReservationID = nil
		v.CoinTotal = 0
		if total > 0 {
			res, err := s.hold(ctx, tx, v.MemberID, event.ID, v.ID, total)
			if err != nil {
				return err
			}
			v.ReservationID = &res.ID
			v.CoinTotal = total
		}
		v.PartySize = size
		if composition != nil {
			v.PartyComposition = composition
		}
	}
	v.Status = models.RSVPStatusGoing
	if err := s.RSVPs.UpdateTx(ctx, tx, v); err != nil {
		return fmt.Errorf("update rsvp: %w", err)
	}
	return nil
}

// Cancel withdraws the caller's RSVP. Coins are refunded when the event's
// policy window is still open and forfeited otherwise. Cancelling a record
// that is already cancelled reports the earlier outcome and moves nothing.
func (s *Service) Cancel(ctx context.Context, caller *models.Caller, eventID uuid.UUID, rsvpID *uuid.UUID) (refunded bool, err error) {
	if caller == nil {
		return false, ErrUnauthenticated
	}
	event, err := s.Events.GetByID(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("event %s: %w", eventID, err)
	}
	eligible := policy.IsRefundEligible(s.now(), event.StartTime, policy.Parse(event.RefundPolicy))

	var cancelledID uuid.UUID
	err = repository.RunInTx(ctx, s.DB, func(tx pgx.Tx) error {
		refunded = false
		v, err := s.loadForCancel(ctx, tx, caller, eventID, rsvpID)
		if err != nil {
			return err
		}
		if v.MemberID != caller.MemberID {
			return ErrForbidden
		}
		switch {
		case v.CheckedInAt != nil:
			return fmt.Errorf("%w: already checked in", ErrValidation)
		case v.Status == models.RSVPStatusNoShow:
			return fmt.Errorf("%w: already marked as no-show", ErrValidation)
		}
		cancelledID = v.ID

		if v.ReservationID != nil {
			var res *models.Reservation
			if eligible {
				res, err = s.Ledger.Refund(ctx, tx, *v.ReservationID)
			} else {
				res, err = s.Ledger.Forfeit(ctx, tx, *v.ReservationID, models.ResolutionCancelForfeit)
			}
			switch {
			case err == nil:
				refunded = res.Status == models.ReservationRefunded
			case errors.Is(err, ledger.ErrNotHeld):
				prev, err := s.Reservations.GetByIDTx(ctx, tx, *v.ReservationID)
				if err != nil {
					return fmt.Errorf("load reservation: %w", err)
				}
				refunded = prev.Status == models.ReservationRefunded
			default:
				return err
			}
		}
		if v.Status == models.RSVPStatusCancelled {
			return nil
		}
		v.Status = models.RSVPStatusCancelled
		if err := s.RSVPs.UpdateTx(ctx, tx, v); err != nil {
			return fmt.Errorf("update rsvp: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.logger().Info("rsvp cancelled", "member_id", caller.MemberID, "event_id", eventID, "rsvp_id", cancelledID, "refunded", refunded)
	return refunded, nil
}

func (s *Service) loadForCancel(ctx context.Context, tx pgx.Tx, caller *models.Caller, eventID uuid.UUID, rsvpID *uuid.UUID) (*models.RSVP, error) {
	if rsvpID == nil {
		v, err := s.RSVPs.GetByMemberEventForUpdate(ctx, tx, caller.MemberID, eventID)
		if err != nil {
			return nil, fmt.Errorf("rsvp: %w", err)
		}
		return v, nil
	}
	return s.loadForEvent(ctx, tx, *rsvpID, eventID)
}

func (s *Service) loadForEvent(ctx context.Context, tx pgx.Tx, rsvpID, eventID uuid.UUID) (*models.RSVP, error) {
	v, err := s.RSVPs.GetByIDForUpdate(ctx, tx, rsvpID)
	if err != nil {
		return nil, fmt.Errorf("rsvp %s: %w", rsvpID, err)
	}
	if v.EventID != eventID {
		return nil, fmt.Errorf("rsvp %s for event %s: %w", rsvpID, eventID, ErrNotFound)
	}
	return v, nil
}

// authorizeStaff allows admins and the event's business owner or staff.
func (s *Service) authorizeStaff(ctx context.Context, caller *models.Caller, eventID uuid.UUID) error {
	if caller == nil {
		return ErrUnauthenticated
	}
	if _, err := s.Events.GetByID(ctx, eventID); err != nil {
		return fmt.Errorf("event %s: %w", eventID, err)
	}
	if caller.IsAdmin() {
		return nil
	}
	ok, err := s.Events.CanManage(ctx, caller.MemberID, eventID)
	if err != nil {
		return fmt.Errorf("check event staff: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// CheckIn marks the attendee present and redeems their held coins. Checking
// in twice succeeds and writes nothing new.
func (s *Service) CheckIn(ctx context.Context, caller *models.Caller, eventID, rsvpID uuid.UUID) error {
	if err := s.authorizeStaff(ctx, caller, eventID); err != nil {
		return err
	}
	err := repository.RunInTx(ctx, s.DB, func(tx pgx.Tx) error {
		v, err := s.loadForEvent(ctx, tx, rsvpID, eventID)
		if err != nil {
			return err
		}
		switch v.Status {
		case models.RSVPStatusCancelled:
			return fmt.Errorf("%w: rsvp is cancelled", ErrValidation)
		case models.RSVPStatusNoShow:
			return fmt.Errorf("%w: already marked as no-show", ErrValidation)
		}
		if v.ReservationID != nil {
			if _, err := s.Ledger.Redeem(ctx, tx, *v.ReservationID); err != nil && !errors.Is(err, ledger.ErrNotHeld) {
				return err
			}
		}
		if v.CheckedInAt != nil {
			return nil
		}
		now := s.now()
		by := caller.MemberID
		v.CheckedInAt = &now
		v.CheckedInBy = &by
		if err := s.RSVPs.UpdateTx(ctx, tx, v); err != nil {
			return fmt.Errorf("update rsvp: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger().Info("rsvp checked in", "event_id", eventID, "rsvp_id", rsvpID, "staff_id", caller.MemberID)
	return nil
}

// NoShow marks the attendee absent and forfeits their held coins. Repeating
// it succeeds and writes nothing new.
func (s *Service) NoShow(ctx context.Context, caller *models.Caller, eventID, rsvpID uuid.UUID) error {
	if err := s.authorizeStaff(ctx, caller, eventID); err != nil {
		return err
	}
	err := repository.RunInTx(ctx, s.DB, func(tx pgx.Tx) error {
		v, err := s.loadForEvent(ctx, tx, rsvpID, eventID)
		if err != nil {
			return err
		}
		switch {
		case v.CheckedInAt != nil:
			return fmt.Errorf("%w: already checked in", ErrValidation)
		case v.Status == models.RSVPStatusCancelled:
			return fmt.Errorf("%w: rsvp is cancelled", ErrValidation)
		}
		if v.ReservationID != nil {
			if _, err := s.Ledger.Forfeit(ctx, tx, *v.ReservationID, models.ResolutionNoShow); err != nil && !errors.Is(err, ledger.ErrNotHeld) {
				return err
			}
		}
		if v.Status == models.RSVPStatusNoShow {
			return nil
		}
		v.Status = models.RSVPStatusNoShow
		if err := s.RSVPs.UpdateTx(ctx, tx, v); err != nil {
			return fmt.Errorf("update rsvp: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger().Info("rsvp no-show", "event_id", eventID, "rsvp_id", rsvpID, "staff_id", caller.MemberID)
	return nil
}

func clampPartySize(requested *int, limit int) int {
	if requested == nil || *requested < 1 {
		return 1
	}
	return min(*requested, limit)
}
