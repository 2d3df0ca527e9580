// Package partner serves kiosk balance checks and deductions authenticated
// by a partner API key and the member's PIN.
package partner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/joycircle/backend/internal/auth"
	"github.com/joycircle/backend/internal/ledger"
	"github.com/joycircle/backend/internal/models"
	"github.com/joycircle/backend/internal/repository"
)

var (
	// ErrInvalidCredential covers an unknown email, a member without a PIN and a wrong PIN alike.
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrInvalidAPIKey     = errors.New("invalid api key")
	// ErrKeyReused is returned when an idempotency key is replayed for a different deduction.
	ErrKeyReused         = errors.New("idempotency key already used for a different deduction")
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

type AccountLookup interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

type Debiter interface {
	Debit(ctx context.Context, tx pgx.Tx, p ledger.DebitParams) (*models.Transaction, bool, error)
}

type Service struct {
	DB       repository.TxBeginner
	Accounts AccountLookup
	Ledger   Debiter
	Logger   *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// authenticate resolves the member by email and checks the PIN. Every failure
// costs one bcrypt comparison and returns ErrInvalidCredential.
func (s *Service) authenticate(ctx context.Context, email, pin string) (*models.Account, error) {
	acc, err := s.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("lookup member: %w", err)
		}
		auth.VerifyPIN(nil, pin)
		return nil, ErrInvalidCredential
	}
	if !auth.VerifyPIN(acc.PinHash, pin) {
		return nil, ErrInvalidCredential
	}
	return acc, nil
}

// CheckBalance returns the member's balance after verifying their PIN.
func (s *Service) CheckBalance(ctx context.Context, p *models.Partner, email, pin string) (int, error) {
	if p == nil {
		return 0, ErrInvalidAPIKey
	}
	acc, err := s.authenticate(ctx, email, pin)
	if err != nil {
		return 0, err
	}
	s.logger().Info("kiosk balance check", "partner_id", p.ID, "member_id", acc.MemberID)
	return acc.Balance, nil
}

type DeductParams struct {
	Email          string
	PIN            string
	EventID        *uuid.UUID
	EventTitle     string
	Cost           int
	IdempotencyKey string
}

type DeductResult struct {
	Balance       int
	TransactionID uuid.UUID
	Replayed      bool
}

// Deduct spends coins directly, with no reservation. A repeated idempotency
// key from the same partner returns the original result.
func (s *Service) Deduct(ctx context.Context, p *models.Partner, d DeductParams) (*DeductResult, error) {
	if p == nil {
		return nil, ErrInvalidAPIKey
	}
	acc, err := s.authenticate(ctx, d.Email, d.PIN)
	if err != nil {
		return nil, err
	}

	params := ledger.DebitParams{
		MemberID:       acc.MemberID,
		PartnerID:      p.ID,
		EventID:        d.EventID,
		Amount:         d.Cost,
		IdempotencyKey: d.IdempotencyKey,
		Note:           d.EventTitle,
	}
	var entry *models.Transaction
	var replayed bool
	debit := func(tx pgx.Tx) error {
		var err error
		entry, replayed, err = s.Ledger.Debit(ctx, tx, params)
		return err
	}
	err = repository.RunInTx(ctx, s.DB, debit)
	if errors.Is(err, repository.ErrDuplicate) && d.IdempotencyKey != "" {
		// A concurrent request with the same key committed first; this run finds it.
		err = repository.RunInTx(ctx, s.DB, debit)
	}
	if err != nil {
		return nil, err
	}
	if replayed && (entry.MemberID != acc.MemberID || -entry.Amount != d.Cost) {
		return nil, ErrKeyReused
	}

	s.logger().Info("kiosk deduction", "partner_id", p.ID, "member_id", acc.MemberID,
		"transaction_id", entry.ID, "amount", d.Cost, "replayed", replayed)
	return &DeductResult{Balance: entry.BalanceAfter, TransactionID: entry.ID, Replayed: replayed}, nil
}
