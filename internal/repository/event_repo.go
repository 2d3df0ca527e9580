package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

// EventRepo reads events and their owning business. Events are owned by the
// directory application; the ledger never writes them.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var e models.Event
	err := r.pool.QueryRow(ctx, `
		SELECT id, business_id, title, start_time, refund_policy, coins_enabled, coin_cost_per_person, max_party_size
		FROM events WHERE id = $1
	`, id).Scan(&e.ID, &e.BusinessID, &e.Title, &e.StartTime, &e.RefundPolicy, &e.CoinsEnabled, &e.CoinCostPerPerson, &e.MaxPartySize)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// CanManage reports whether the member owns the event's business or is listed as its staff.
func (r *EventRepo) CanManage(ctx context.Context, memberID, eventID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events e
			JOIN businesses b ON b.id = e.business_id
			WHERE e.id = $1 AND (
				b.owner_id = $2
				OR EXISTS (SELECT 1 FROM business_staff s WHERE s.business_id = b.id AND s.member_id = $2)
			)
		)
	`, eventID, memberID).Scan(&ok)
	return ok, err
}
