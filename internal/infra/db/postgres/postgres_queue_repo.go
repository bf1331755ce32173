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

var _ repository.QueueRepository = (*queueRepo)(nil)

type queueRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewQueueRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *queueRepo {
	return &queueRepo{pool: pool, tm: tm}
}

const queueColumns = `
id, status, owner_id, store_id, payload, result_data, error_message,
retry_count, created_at, updated_at, started_at, completed_at`

func (r *queueRepo) Save(ctx context.Context, tx repository.Tx, item *model.QueueItem) error {
	item.UpdatedAt = time.Now()
	const q = `
INSERT INTO queue_items (
  id, status, owner_id, store_id, payload, result_data, error_message,
  retry_count, created_at, updated_at, started_at, completed_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  result_data = EXCLUDED.result_data,
  error_message = EXCLUDED.error_message,
  retry_count = EXCLUDED.retry_count,
  updated_at = EXCLUDED.updated_at,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		item.ID, item.Status, item.OwnerID, item.StoreID,
		[]byte(item.Payload), []byte(item.ResultData), item.ErrorMsg,
		item.RetryCount, item.CreatedAt, item.UpdatedAt, item.StartedAt, item.CompletedAt)
	if err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *queueRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.QueueItem, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+queueColumns+` FROM queue_items WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanQueueItem(row)
}

// FetchAndMarkProcessing claims the oldest pending item. FOR UPDATE SKIP
// LOCKED keeps concurrent workers from blocking on (or double-claiming) the
// same row.
func (r *queueRepo) FetchAndMarkProcessing(ctx context.Context) (*model.QueueItem, error) {
	var item *model.QueueItem

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetchQuery = `
SELECT ` + queueColumns + `
FROM queue_items
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED;`

		row, err := pickRow(ctx, r.pool, tx, fetchQuery)
		if err != nil {
			return err
		}
		fetched, err := scanQueueItem(row)
		if err != nil {
			return err
		}

		now := time.Now()
		fetched.Status = model.QueueStatusProcessing
		fetched.StartedAt = &now
		if err := r.Save(ctx, tx, fetched); err != nil {
			return err
		}
		item = fetched
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (r *queueRepo) CountAhead(ctx context.Context, tx repository.Tx, item *model.QueueItem) (int, error) {
	const q = `
SELECT COUNT(*) FROM queue_items
WHERE status = 'pending' AND (created_at, id) < ($1, $2);`
	row, err := pickRow(ctx, r.pool, tx, q, item.CreatedAt, item.ID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *queueRepo) MarkPendingRetry(ctx context.Context, id string, retryCount int) (bool, error) {
	const q = `
UPDATE queue_items
SET status='pending', retry_count=$2, started_at=NULL, updated_at=now()
WHERE id=$1 AND status='processing';`
	tag, err := execSQL(ctx, r.pool, nil, q, id, retryCount)
	if err != nil {
		return false, domain.ErrOperationFailed
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepo) CancelPending(ctx context.Context, tx repository.Tx, id string, errMsg string) (bool, error) {
	const q = `
UPDATE queue_items
SET status='failed', error_message=$2, completed_at=now(), updated_at=now()
WHERE id=$1 AND status='pending';`
	tag, err := execSQL(ctx, r.pool, tx, q, id, errMsg)
	if err != nil {
		return false, domain.ErrOperationFailed
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepo) Stats(ctx context.Context, tx repository.Tx) (int, int, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status = 'pending'),
  COUNT(*) FILTER (WHERE status = 'processing')
FROM queue_items;`
	row, err := pickRow(ctx, r.pool, tx, q)
	if err != nil {
		return 0, 0, err
	}
	var pending, processing int
	if err := row.Scan(&pending, &processing); err != nil {
		return 0, 0, domain.ErrReadDatabaseRow
	}
	return pending, processing, nil
}

func (r *queueRepo) AverageProcessingTime(ctx context.Context, tx repository.Tx) (time.Duration, error) {
	const q = `
SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
FROM (
  SELECT started_at, completed_at FROM queue_items
  WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL
  ORDER BY completed_at DESC
  LIMIT 50
) recent;`
	row, err := pickRow(ctx, r.pool, tx, q)
	if err != nil {
		return 0, err
	}
	var seconds float64
	if err := row.Scan(&seconds); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var (
		item       model.QueueItem
		payload    []byte
		resultData []byte
	)
	if err := row.Scan(
		&item.ID, &item.Status, &item.OwnerID, &item.StoreID,
		&payload, &resultData, &item.ErrorMsg,
		&item.RetryCount, &item.CreatedAt, &item.UpdatedAt, &item.StartedAt, &item.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	item.Payload = payload
	item.ResultData = resultData
	return &item, nil
}
