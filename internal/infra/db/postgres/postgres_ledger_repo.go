package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
)

var _ repository.CreditTransactionRepository = (*ledgerRepo)(nil)

// ledgerRepo persists the append-only credit transaction log. A partial unique
// index on (account_id, job_id, kind) for non-purchase kinds is the idempotency
// guard for debits and refunds.
type ledgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *ledgerRepo {
	return &ledgerRepo{pool: pool}
}

const txColumns = `id, account_id, kind, source, amount, job_id, created_at`

func (r *ledgerRepo) Append(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	const q = `
INSERT INTO credit_transactions (id, account_id, kind, source, amount, job_id, created_at)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7);`

	_, err := execSQL(ctx, r.pool, tx, q,
		t.ID, t.AccountID, t.Kind, t.Source, t.Amount, t.JobID, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *ledgerRepo) FindByJob(ctx context.Context, tx repository.Tx, accountID, jobID string, kind model.TransactionKind) (*model.CreditTransaction, error) {
	const q = `SELECT ` + txColumns + ` FROM credit_transactions WHERE account_id=$1 AND job_id=$2 AND kind=$3;`
	return r.findOne(ctx, tx, q, accountID, jobID, kind)
}

func (r *ledgerRepo) FindDebitByJob(ctx context.Context, tx repository.Tx, jobID string) (*model.CreditTransaction, error) {
	const q = `SELECT ` + txColumns + ` FROM credit_transactions WHERE job_id=$1 AND kind='debit';`
	return r.findOne(ctx, tx, q, jobID)
}

func (r *ledgerRepo) findOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.CreditTransaction, error) {
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	var (
		t     model.CreditTransaction
		jobID *string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Source, &t.Amount, &jobID, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if jobID != nil {
		t.JobID = *jobID
	}
	return &t, nil
}

func (r *ledgerRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string, limit int) ([]*model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT ` + txColumns + ` FROM credit_transactions WHERE account_id=$1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CreditTransaction
	for rows.Next() {
		var (
			t     model.CreditTransaction
			jobID *string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Source, &t.Amount, &jobID, &t.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		if jobID != nil {
			t.JobID = *jobID
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) ListUnrefundedJobs(ctx context.Context, tx repository.Tx, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	// Failed queue items keep their debit until a refund lands; anything this
	// query returns is a refund that errored or was cut off by a crash.
	const q = `
SELECT d.job_id
FROM credit_transactions d
JOIN queue_items q ON q.id = d.job_id
WHERE d.kind = 'debit'
  AND q.status = 'failed'
  AND NOT EXISTS (
    SELECT 1 FROM credit_transactions r
    WHERE r.account_id = d.account_id AND r.job_id = d.job_id AND r.kind = 'refund'
  )
ORDER BY d.created_at
LIMIT $1;`

	rows, err := pickRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
