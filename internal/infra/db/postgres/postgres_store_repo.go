package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
)

var _ repository.StoreRepository = (*storeRepo)(nil)

type storeRepo struct {
	pool *pgxpool.Pool
}

func NewStoreRepo(pool *pgxpool.Pool) *storeRepo {
	return &storeRepo{pool: pool}
}

func (r *storeRepo) Save(ctx context.Context, tx repository.Tx, s *model.Store) error {
	s.UpdatedAt = time.Now()
	const q = `
INSERT INTO stores (id, slug, name, daily_free_limit, free_reset_hour, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  slug = EXCLUDED.slug,
  name = EXCLUDED.name,
  daily_free_limit = EXCLUDED.daily_free_limit,
  free_reset_hour = EXCLUDED.free_reset_hour,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.Slug, s.Name, s.DailyFreeLimit, s.FreeResetHour, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return domain.ErrOperationFailed
	}
	return nil
}

const storeColumns = `id, slug, name, daily_free_limit, free_reset_hour, created_at, updated_at`

func (r *storeRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Store, error) {
	return r.findOne(ctx, tx, `SELECT `+storeColumns+` FROM stores WHERE id=$1;`, id)
}

func (r *storeRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Store, error) {
	return r.findOne(ctx, tx, `SELECT `+storeColumns+` FROM stores WHERE slug=$1;`, slug)
}

func (r *storeRepo) findOne(ctx context.Context, tx repository.Tx, q string, arg interface{}) (*model.Store, error) {
	row, err := pickRow(ctx, r.pool, tx, q, arg)
	if err != nil {
		return nil, err
	}
	var s model.Store
	if err := row.Scan(&s.ID, &s.Slug, &s.Name, &s.DailyFreeLimit, &s.FreeResetHour, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &s, nil
}
