// Package ledger moves Joy Coins between a member's balance, reservations and
// the append-only transaction log. Every method runs inside the caller's
// transaction; the account delta is applied first and the ledger entry is
// appended last, carrying the post-delta balance. Entry and no-op metrics are
// recorded once that transaction commits.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/joycircle/backend/internal/metrics"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when the balance is too low for a debit.
	ErrInsufficientFunds = repository.ErrInsufficientFunds
	// ErrAccountNotFound is returned when the member has never been granted coins.
	ErrAccountNotFound = repository.ErrAccountNotFound
	// ErrNotHeld is returned when a transition is attempted on a resolved reservation.
	ErrNotHeld = repository.ErrNotHeld
	// ErrInvalidAmount is returned for non-positive coin amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidTransition is returned for a resolution that has no target state.
	ErrInvalidTransition = errors.New("invalid reservation transition")
	// ErrKeyReused is returned when a grant idempotency key is replayed for a different grant.
	ErrKeyReused = errors.New("idempotency key already used for a different grant")
)

// AccountStore is the minimal account repository interface for the ledger.
type AccountStore interface {
	ApplyDelta(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, delta, lifetimeDelta int, expectedVersion *int64) (newBalance int, err error)
	LockBalance(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) (int, error)
	Grant(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, email string, amount int) (newBalance int, err error)
}

// TransactionLog is the append-only ledger interface.
type TransactionLog interface {
	AppendTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, partnerID uuid.UUID, key string) (*models.Transaction, error)
	FindGrantByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*models.Transaction, error)
}

// ReservationStore persists holds and performs compare-and-set transitions.
type ReservationStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, to models.ReservationStatus, resolution models.ResolutionType) (*models.Reservation, error)
}

type Service struct {
	Accounts     AccountStore
	Log          TransactionLog
	Reservations ReservationStore
	Metrics      *metrics.Metrics
}

func NewService(accounts AccountStore, log TransactionLog, reservations ReservationStore, m *metrics.Metrics) *Service {
	return &Service{Accounts: accounts, Log: log, Reservations: reservations, Metrics: m}
}

// Hold debits amount from the member, creates a held reservation for the
// RSVP and appends a reservation entry. lifetime_spent is counted here and
// only here for reserved coins.
func (s *Service) Hold(ctx context.Context, tx pgx.Tx, memberID, eventID, rsvpID uuid.UUID, amount int) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	newBalance, err := s.Accounts.ApplyDelta(ctx, tx, memberID, -amount, amount, nil)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	res := &models.Reservation{
		ID:       uuid.New(),
		MemberID: memberID,
		EventID:  eventID,
		RSVPID:   rsvpID,
		Amount:   amount,
		Status:   models.ReservationHeld,
	}
	if err := s.Reservations.CreateTx(ctx, tx, res); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	if err := s.append(ctx, tx, &models.Transaction{
		MemberID:      memberID,
		Kind:          models.TxKindReservation,
		Amount:        -amount,
		BalanceAfter:  newBalance,
		EventID:       &eventID,
		RSVPID:        &rsvpID,
		ReservationID: &res.ID,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Resolve moves a held reservation to the status implied by resolution.
// A refund credits the amount back and reverses lifetime_spent; forfeits and
// redemptions append a zero-amount entry. ErrNotHeld means the reservation was
// already resolved and nothing was written.
func (s *Service) Resolve(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, resolution models.ResolutionType) (*models.Reservation, error) {
	to, ok := resolution.Target()
	if !ok || !models.CanTransition(models.ReservationHeld, to) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, resolution)
	}
	res, err := s.Reservations.TransitionTx(ctx, tx, reservationID, to, resolution)
	if err != nil {
		if errors.Is(err, ErrNotHeld) {
			s.noop(tx, string(resolution))
		}
		return nil, err
	}

	entry := &models.Transaction{
		MemberID:      res.MemberID,
		EventID:       &res.EventID,
		RSVPID:        &res.RSVPID,
		ReservationID: &res.ID,
	}
	switch to {
	case models.ReservationRefunded:
		newBalance, err := s.Accounts.ApplyDelta(ctx, tx, res.MemberID, res.Amount, -res.Amount, nil)
		if err != nil {
			return nil, fmt.Errorf("credit refund: %w", err)
		}
		entry.Kind = models.TxKindRefund
		entry.Amount = res.Amount
		entry.BalanceAfter = newBalance
	default:
		balance, err := s.Accounts.LockBalance(ctx, tx, res.MemberID)
		if err != nil {
			return nil, fmt.Errorf("lock balance: %w", err)
		}
		entry.Kind = models.TxKindForfeit
		if to == models.ReservationRedeemed {
			entry.Kind = models.TxKindRedemption
		}
		entry.BalanceAfter = balance
		note := string(resolution)
		entry.Note = &note
	}
	if err := s.append(ctx, tx, entry); err != nil {
		return nil, err
	}
	return res, nil
}

// Refund resolves a held reservation as a refunded cancellation.
func (s *Service) Refund(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Reservation, error) {
	return s.Resolve(ctx, tx, reservationID, models.ResolutionCancelRefund)
}

// Forfeit resolves a held reservation without refund, for a late cancel or a no-show.
func (s *Service) Forfeit(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, resolution models.ResolutionType) (*models.Reservation, error) {
	if resolution != models.ResolutionCancelForfeit && resolution != models.ResolutionNoShow {
		return nil, fmt.Errorf("%w: %s is not a forfeit", ErrInvalidTransition, resolution)
	}
	return s.Resolve(ctx, tx, reservationID, resolution)
}

// Redeem resolves a held reservation at check-in.
func (s *Service) Redeem(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.Reservation, error) {
	return s.Resolve(ctx, tx, reservationID, models.ResolutionCheckin)
}

// Grant issues coins to a member, creating the account on first grant.
func (s *Service) Grant(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, email string, amount int, note string) (*models.Transaction, error) {
	entry, _, err := s.GrantOnce(ctx, tx, GrantParams{MemberID: memberID, Email: email, Amount: amount, Note: note})
	return entry, err
}

// GrantParams describes an admin grant.
type GrantParams struct {
	MemberID       uuid.UUID
	Email          string
	Amount         int
	Note           string
	IdempotencyKey string
}

// GrantOnce is Grant with an optional idempotency key. A key already used by
// an earlier grant returns that entry with replayed set and credits nothing;
// ErrKeyReused if the earlier grant was for another member or amount.
func (s *Service) GrantOnce(ctx context.Context, tx pgx.Tx, p GrantParams) (entry *models.Transaction, replayed bool, err error) {
	if p.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if p.IdempotencyKey != "" {
		prev, err := s.Log.FindGrantByIdempotencyKey(ctx, tx, p.IdempotencyKey)
		if err == nil {
			if prev.MemberID != p.MemberID || prev.Amount != p.Amount {
				return nil, false, ErrKeyReused
			}
			s.noop(tx, "grant")
			return prev, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	newBalance, err := s.Accounts.Grant(ctx, tx, p.MemberID, p.Email, p.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("grant: %w", err)
	}
	entry = &models.Transaction{
		MemberID:     p.MemberID,
		Kind:         models.TxKindGrant,
		Amount:       p.Amount,
		BalanceAfter: newBalance,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if p.Note != "" {
		note := p.Note
		entry.Note = &note
	}
	if err := s.append(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// DebitParams describes a direct spend with no prior hold.
type DebitParams struct {
	MemberID       uuid.UUID
	PartnerID      uuid.UUID
	EventID        *uuid.UUID
	Amount         int
	IdempotencyKey string
	Note           string
}

// Debit spends coins immediately and appends a redemption entry. It shares
// the atomic conditional debit with Hold, so a kiosk deduction and an in-app
// reservation can never overdraw the same balance. If the partner already
// used IdempotencyKey, the earlier entry is returned with replayed set and no
// coins move.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, p DebitParams) (entry *models.Transaction, replayed bool, err error) {
	if p.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if p.IdempotencyKey != "" {
		prev, err := s.Log.FindByIdempotencyKey(ctx, tx, p.PartnerID, p.IdempotencyKey)
		if err == nil {
			s.noop(tx, "deduct")
			return prev, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	newBalance, err := s.Accounts.ApplyDelta(ctx, tx, p.MemberID, -p.Amount, p.Amount, nil)
	if err != nil {
		s.reject(err)
		return nil, false, err
	}
	partnerID := p.PartnerID
	entry = &models.Transaction{
		MemberID:     p.MemberID,
		Kind:         models.TxKindRedemption,
		Amount:       -p.Amount,
		BalanceAfter: newBalance,
		EventID:      p.EventID,
		PartnerID:    &partnerID,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if p.Note != "" {
		note := p.Note
		entry.Note = &note
	}
	if err := s.append(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

func (s *Service) append(ctx context.Context, tx pgx.Tx, entry *models.Transaction) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := s.Log.AppendTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s entry: %w", entry.Kind, err)
	}
	kind, amount := string(entry.Kind), entry.Amount
	repository.OnCommit(tx, func() { s.Metrics.Entry(kind, amount) })
	return nil
}

func (s *Service) noop(tx pgx.Tx, operation string) {
	repository.OnCommit(tx, func() { s.Metrics.Noop(operation) })
}

func (s *Service) reject(err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		s.Metrics.Rejected("insufficient_funds")
	case errors.Is(err, ErrAccountNotFound):
		s.Metrics.Rejected("account_not_found")
	}
}
