package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

const reservationColumns = `id, member_id, event_id, rsvp_id, amount, status, held_at, resolved_at, resolution_type`

type ReservationRepo struct {
	pool *pgxpool.Pool
}

func NewReservationRepo(pool *pgxpool.Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var res models.Reservation
	err := row.Scan(&res.ID, &res.MemberID, &res.EventID, &res.RSVPID, &res.Amount, &res.Status, &res.HeldAt, &res.ResolvedAt, &res.ResolutionType)
	if err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

// CreateTx inserts a new held reservation.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reservations (id, member_id, event_id, rsvp_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING held_at
	`, res.ID, res.MemberID, res.EventID, res.RSVPID, res.Amount, res.Status).Scan(&res.HeldAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *ReservationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

// GetByIDTx reads the reservation inside tx.
func (r *ReservationRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	return scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

// TransitionTx moves a held reservation to the target status in one
// compare-and-set. It returns ErrNotHeld if the row is no longer held.
func (r *ReservationRepo) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, to models.ReservationStatus, resolution models.ResolutionType) (*models.Reservation, error) {
	res, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = $2, resolution_type = $3, resolved_at = now()
		WHERE id = $1 AND status = 'held'
		RETURNING `+reservationColumns, id, to, resolution))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := r.GetByIDTx(ctx, tx, id); err != nil {
		return nil, err
	}
	return nil, ErrNotHeld
}

// ListByMemberIDTx returns the member's reservations oldest first.
func (r *ReservationRepo) ListByMemberIDTx(ctx context.Context, tx pgx.Tx, memberID uuid.UUID) ([]*models.Reservation, error) {
	return listReservations(ctx, tx, `SELECT `+reservationColumns+` FROM reservations WHERE member_id = $1 ORDER BY held_at ASC`, memberID)
}

// ListUnlinkedHeldTx returns held reservations no RSVP points at.
func (r *ReservationRepo) ListUnlinkedHeldTx(ctx context.Context, tx pgx.Tx) ([]*models.Reservation, error) {
	return listReservations(ctx, tx, `
		SELECT r.id, r.member_id, r.event_id, r.rsvp_id, r.amount, r.status, r.held_at, r.resolved_at, r.resolution_type
		FROM reservations r
		LEFT JOIN rsvps v ON v.reservation_id = r.id
		WHERE r.status = 'held' AND v.id IS NULL
		ORDER BY r.held_at ASC
	`)
}

func listReservations(ctx context.Context, q Querier, sql string, args ...any) ([]*models.Reservation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, res)
	}
	return list, rows.Err()
}
