package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

const accountColumns = `member_id, email, balance, lifetime_spent, pin_hash, version, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.MemberID, &a.Email, &a.Balance, &a.LifetimeSpent, &a.PinHash, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *AccountRepo) GetByMemberID(ctx context.Context, memberID uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM coin_accounts WHERE member_id = $1`, memberID))
}

// GetByEmail looks the account up by its unique, case-insensitive email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM coin_accounts WHERE lower(email) = lower($1) AND email <> ''`, email))
}

// GetBalance returns the spendable balance.
func (r *AccountRepo) GetBalance(ctx context.Context, memberID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `SELECT balance FROM coin_accounts WHERE member_id = $1`, memberID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// LockBalance reads the balance under a row lock, ordering the caller's ledger
// append with any concurrent delta for the same member. Call within a transaction.
func (r *AccountRepo) LockBalance(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `SELECT balance FROM coin_accounts WHERE member_id = $1 FOR UPDATE`, memberID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// ApplyDelta atomically adds delta to balance and lifetimeDelta to lifetime_spent.
// The sufficiency check and the write are one statement, so concurrent debits
// for the same member can never overdraw. If expectedVersion is set the update
// also requires the row to still be at that version. Call within a transaction.
func (r *AccountRepo) ApplyDelta(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, delta, lifetimeDelta int, expectedVersion *int64) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE coin_accounts
		SET balance = balance + $2,
		    lifetime_spent = GREATEST(lifetime_spent + $3, 0),
		    version = version + 1,
		    updated_at = now()
		WHERE member_id = $1 AND balance + $2 >= 0 AND ($4::bigint IS NULL OR version = $4)
		RETURNING balance
	`, memberID, delta, lifetimeDelta, expectedVersion).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	var balance int
	var version int64
	err = tx.QueryRow(ctx, `SELECT balance, version FROM coin_accounts WHERE member_id = $1`, memberID).Scan(&balance, &version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, ErrAccountNotFound
	case err != nil:
		return 0, err
	case expectedVersion != nil && version != *expectedVersion:
		return 0, ErrVersionConflict
	default:
		return 0, ErrInsufficientFunds
	}
}

// Grant credits amount to the member, creating the account on first grant.
func (r *AccountRepo) Grant(ctx context.Context, tx pgx.Tx, memberID uuid.UUID, email string, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO coin_accounts (member_id, email, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO UPDATE
		SET balance = coin_accounts.balance + EXCLUDED.balance,
		    email = COALESCE(NULLIF(EXCLUDED.email, ''), coin_accounts.email),
		    version = coin_accounts.version + 1,
		    updated_at = now()
		RETURNING balance
	`, memberID, email, amount).Scan(&newBalance)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	return newBalance, err
}

// SetPinHash stores the bcrypt hash of the member's kiosk PIN.
func (r *AccountRepo) SetPinHash(ctx context.Context, memberID uuid.UUID, pinHash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE coin_accounts SET pin_hash = $2, updated_at = now() WHERE member_id = $1
	`, memberID, pinHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListTx returns every account ordered by member_id.
func (r *AccountRepo) ListTx(ctx context.Context, tx pgx.Tx) ([]*models.Account, error) {
	rows, err := tx.Query(ctx, `SELECT `+accountColumns+` FROM coin_accounts ORDER BY member_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
