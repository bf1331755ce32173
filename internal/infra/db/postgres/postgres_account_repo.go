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

var _ repository.CreditAccountRepository = (*accountRepo)(nil)

type accountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *accountRepo {
	return &accountRepo{pool: pool}
}

const accountColumns = `
id, kind, store_id, consumer_id, external_id,
free_tickets_remaining, free_tickets_reset_at,
subscription_credits, subscription_status, subscription_period_end,
paid_credits, balance, total_purchased, total_consumed,
created_at, updated_at`

func (r *accountRepo) Save(ctx context.Context, tx repository.Tx, a *model.CreditAccount) error {
	a.UpdatedAt = time.Now()
	const q = `
INSERT INTO credit_accounts (
  id, kind, store_id, consumer_id, external_id,
  free_tickets_remaining, free_tickets_reset_at,
  subscription_credits, subscription_status, subscription_period_end,
  paid_credits, balance, total_purchased, total_consumed,
  created_at, updated_at
) VALUES (
  $1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (id) DO UPDATE SET
  free_tickets_remaining = EXCLUDED.free_tickets_remaining,
  free_tickets_reset_at = EXCLUDED.free_tickets_reset_at,
  subscription_credits = EXCLUDED.subscription_credits,
  subscription_status = EXCLUDED.subscription_status,
  subscription_period_end = EXCLUDED.subscription_period_end,
  paid_credits = EXCLUDED.paid_credits,
  balance = EXCLUDED.balance,
  total_purchased = EXCLUDED.total_purchased,
  total_consumed = EXCLUDED.total_consumed,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.Kind, a.StoreID, a.ConsumerID, a.ExternalID,
		a.FreeTicketsRemaining, a.FreeTicketsResetAt,
		a.SubscriptionCredits, a.SubscriptionStatus, a.SubscriptionPeriodEnd,
		a.PaidCredits, a.Balance, a.TotalPurchased, a.TotalConsumed,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *accountRepo) FindByRef(ctx context.Context, tx repository.Tx, ref repository.OwnerRef) (*model.CreditAccount, error) {
	if ref.Empty() {
		return nil, domain.ErrAuthRequired
	}
	switch {
	case ref.B2B:
		return r.findOne(ctx, tx,
			`SELECT `+accountColumns+` FROM credit_accounts WHERE kind='store' AND store_id=$1;`,
			ref.StoreID)
	case ref.ConsumerID != "":
		return r.findOne(ctx, tx,
			`SELECT `+accountColumns+` FROM credit_accounts WHERE kind='consumer' AND store_id=$1 AND consumer_id=$2;`,
			ref.StoreID, ref.ConsumerID)
	default:
		return r.findOne(ctx, tx,
			`SELECT `+accountColumns+` FROM credit_accounts WHERE kind='consumer' AND store_id=$1 AND external_id=$2;`,
			ref.StoreID, ref.ExternalID)
	}
}

func (r *accountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditAccount, error) {
	return r.findOne(ctx, tx, `SELECT `+accountColumns+` FROM credit_accounts WHERE id=$1;`, id)
}

func (r *accountRepo) ExpireSubscriptions(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	const q = `
UPDATE credit_accounts
SET subscription_status='none', subscription_credits=0, updated_at=$1
WHERE subscription_status IN ('active','canceled') AND subscription_period_end < $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, now)
	if err != nil {
		return 0, domain.ErrOperationFailed
	}
	return int(tag.RowsAffected()), nil
}

func (r *accountRepo) findOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.CreditAccount, error) {
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	var (
		a          model.CreditAccount
		consumerID *string
		externalID *string
	)
	if err := row.Scan(
		&a.ID, &a.Kind, &a.StoreID, &consumerID, &externalID,
		&a.FreeTicketsRemaining, &a.FreeTicketsResetAt,
		&a.SubscriptionCredits, &a.SubscriptionStatus, &a.SubscriptionPeriodEnd,
		&a.PaidCredits, &a.Balance, &a.TotalPurchased, &a.TotalConsumed,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if consumerID != nil {
		a.ConsumerID = *consumerID
	}
	if externalID != nil {
		a.ExternalID = *externalID
	}
	return &a, nil
}
