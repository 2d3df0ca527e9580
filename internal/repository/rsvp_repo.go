package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

const rsvpColumns = `id, member_id, event_id, status, party_size, party_composition, coin_total, reservation_id, checked_in_at, checked_in_by, created_at, updated_at`

type RSVPRepo struct {
	pool *pgxpool.Pool
}

func NewRSVPRepo(pool *pgxpool.Pool) *RSVPRepo {
	return &RSVPRepo{pool: pool}
}

func scanRSVP(row pgx.Row) (*models.RSVP, error) {
	var v models.RSVP
	err := row.Scan(&v.ID, &v.MemberID, &v.EventID, &v.Status, &v.PartySize, &v.PartyComposition, &v.CoinTotal, &v.ReservationID, &v.CheckedInAt, &v.CheckedInBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (r *RSVPRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RSVP, error) {
	return scanRSVP(r.pool.QueryRow(ctx, `SELECT `+rsvpColumns+` FROM rsvps WHERE id = $1`, id))
}

// GetByIDForUpdate locks the RSVP row so lifecycle actions on it serialize. Call within a transaction.
func (r *RSVPRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RSVP, error) {
	return scanRSVP(tx.QueryRow(ctx, `SELECT `+rsvpColumns+` FROM rsvps WHERE id = $1 FOR UPDATE`, id))
}

// GetByMemberEventForUpdate locks the member's RSVP for the event, or returns ErrNotFound.
func (r *RSVPRepo) GetByMemberEventForUpdate(ctx context.Context, tx pgx.Tx, memberID, eventID uuid.UUID) (*models.RSVP, error) {
	return scanRSVP(tx.QueryRow(ctx, `SELECT `+rsvpColumns+` FROM rsvps WHERE member_id = $1 AND event_id = $2 FOR UPDATE`, memberID, eventID))
}

func (r *RSVPRepo) CreateTx(ctx context.Context, tx pgx.Tx, v *models.RSVP) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO rsvps (id, member_id, event_id, status, party_size, party_composition, coin_total, reservation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, v.ID, v.MemberID, v.EventID, v.Status, v.PartySize, v.PartyComposition, v.CoinTotal, v.ReservationID).Scan(&v.CreatedAt, &v.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *RSVPRepo) UpdateTx(ctx context.Context, tx pgx.Tx, v *models.RSVP) error {
	return tx.QueryRow(ctx, `
		UPDATE rsvps SET status = $2, party_size = $3, party_composition = $4, coin_total = $5, reservation_id = $6,
			checked_in_at = $7, checked_in_by = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, v.ID, v.Status, v.PartySize, v.PartyComposition, v.CoinTotal, v.ReservationID, v.CheckedInAt, v.CheckedInBy).Scan(&v.UpdatedAt)
}
