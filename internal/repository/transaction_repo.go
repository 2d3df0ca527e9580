package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

const transactionColumns = `id, seq, member_id, kind, amount, balance_after, event_id, rsvp_id, reservation_id, partner_id, idempotency_key, note, created_at`

// TransactionRepo is the append-only coin ledger. It deliberately has no update or delete.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.Seq, &t.MemberID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.EventID, &t.RSVPID, &t.ReservationID, &t.PartnerID, &t.IdempotencyKey, &t.Note, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// AppendTx inserts a ledger entry inside the given transaction.
func (r *TransactionRepo) AppendTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO coin_transactions (id, member_id, kind, amount, balance_after, event_id, rsvp_id, reservation_id, partner_id, idempotency_key, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq, created_at
	`, t.ID, t.MemberID, t.Kind, t.Amount, t.BalanceAfter, t.EventID, t.RSVPID, t.ReservationID, t.PartnerID, t.IdempotencyKey, t.Note).Scan(&t.Seq, &t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// FindByIdempotencyKey returns the partner's earlier entry for key, or ErrNotFound.
func (r *TransactionRepo) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, partnerID uuid.UUID, key string) (*models.Transaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM coin_transactions WHERE partner_id = $1 AND idempotency_key = $2
	`, partnerID, key))
}

// FindGrantByIdempotencyKey returns the admin grant recorded under key, or ErrNotFound.
func (r *TransactionRepo) FindGrantByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*models.Transaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM coin_transactions
		WHERE partner_id IS NULL AND kind = 'grant' AND idempotency_key = $1
	`, key))
}

const listByMemberSQL = `SELECT ` + transactionColumns + ` FROM coin_transactions WHERE member_id = $1 ORDER BY seq ASC`

// ListByMemberID returns the member's entries in insertion order, ready for replay.
func (r *TransactionRepo) ListByMemberID(ctx context.Context, memberID uuid.UUID) ([]*models.Transaction, error) {
	return listTransactions(ctx, r.pool, listByMemberSQL, memberID)
}

// ListByMemberIDTx is ListByMemberID read inside tx.
func (r *TransactionRepo) ListByMemberIDTx(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Transaction, error) {
	return listTransactions(ctx, tx, listByMemberSQL, memberID)
}

func listTransactions(ctx context.Context, q Querier, sql string, args ...any) ([]*models.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
