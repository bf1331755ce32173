package repository

import (
	"context"
	"time"

	"tryon-pipeline/internal/domain/model"
)

// OwnerRef identifies the account to charge: a store id for B2B debits, or
// exactly one of ConsumerID / ExternalID for consumer debits.
type OwnerRef struct {
	StoreID    string
	ConsumerID string
	ExternalID string
	B2B        bool
}

func (r OwnerRef) Empty() bool {
	if r.B2B {
		return r.StoreID == ""
	}
	return r.ConsumerID == "" && r.ExternalID == ""
}

// Key returns a stable serialization of the reference, used for advisory
// locking and rate-limit keys.
func (r OwnerRef) Key() string {
	if r.B2B {
		return "store:" + r.StoreID
	}
	if r.ConsumerID != "" {
		return "consumer:" + r.StoreID + ":" + r.ConsumerID
	}
	return "external:" + r.StoreID + ":" + r.ExternalID
}

type CreditAccountRepository interface {
	Save(ctx context.Context, tx Tx, a *model.CreditAccount) error
	// FindByRef resolves the single account for the reference, or
	// domain.ErrNotFound when it has never been accessed.
	FindByRef(ctx context.Context, tx Tx, ref OwnerRef) (*model.CreditAccount, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.CreditAccount, error)
	// ExpireSubscriptions flips active and canceled subscriptions whose
	// period ended before now back to 'none' and zeroes their bucket.
	// Returns the number of accounts touched.
	ExpireSubscriptions(ctx context.Context, tx Tx, now time.Time) (int, error)
}

type CreditTransactionRepository interface {
	// Append inserts the entry. Returns domain.ErrAlreadyExists when another
	// entry with the same (account_id, job_id, kind) is already recorded.
	Append(ctx context.Context, tx Tx, t *model.CreditTransaction) error
	// FindByJob returns the entry of the given kind recorded for jobID, or
	// domain.ErrNotFound.
	FindByJob(ctx context.Context, tx Tx, accountID, jobID string, kind model.TransactionKind) (*model.CreditTransaction, error)
	// FindDebitByJob looks the debit up by job id alone; refunds use it to
	// locate the bucket to compensate without knowing the account first.
	FindDebitByJob(ctx context.Context, tx Tx, jobID string) (*model.CreditTransaction, error)
	ListByAccount(ctx context.Context, tx Tx, accountID string, limit int) ([]*model.CreditTransaction, error)
	// ListUnrefundedJobs returns job ids of terminally failed queue items
	// whose debit has no compensating refund yet, oldest first. Feeds the
	// reconciliation sweep that retries refunds lost to storage failures.
	ListUnrefundedJobs(ctx context.Context, tx Tx, limit int) ([]string, error)
}

type StoreRepository interface {
	Save(ctx context.Context, tx Tx, s *model.Store) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Store, error)
	FindBySlug(ctx context.Context, tx Tx, slug string) (*model.Store, error)
}
