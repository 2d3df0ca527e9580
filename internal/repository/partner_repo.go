package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joycircle/backend/internal/models"
)

type PartnerRepo struct {
	pool *pgxpool.Pool
}

func NewPartnerRepo(pool *pgxpool.Pool) *PartnerRepo {
	return &PartnerRepo{pool: pool}
}

func (r *PartnerRepo) Create(ctx context.Context, p *models.Partner) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO partners (id, name, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Name, p.KeyHash, p.KeyPrefix, p.IsActive)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// FindByKeyHash returns the active partner for the given key hash, or ErrNotFound.
func (r *PartnerRepo) FindByKeyHash(ctx context.Context, keyHash string) (*models.Partner, error) {
	var p models.Partner
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, key_prefix, is_active
		FROM partners
		WHERE key_hash = $1 AND is_active = TRUE
	`, keyHash).Scan(&p.ID, &p.Name, &p.KeyHash, &p.KeyPrefix, &p.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// List returns every partner ordered by name.
func (r *PartnerRepo) List(ctx context.Context) ([]*models.Partner, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, key_hash, key_prefix, is_active FROM partners ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Partner{}
	for rows.Next() {
		var p models.Partner
		if err := rows.Scan(&p.ID, &p.Name, &p.KeyHash, &p.KeyPrefix, &p.IsActive); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

// SetActive enables or revokes a partner key.
func (r *PartnerRepo) SetActive(ctx context.Context, keyPrefix string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE partners SET is_active = $2 WHERE key_prefix = $1`, keyPrefix, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
