package usecase

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/metrics"
)

// DeductResult reports a successful (or replayed) admission debit.
type DeductResult struct {
	Source        model.CreditSource
	TransactionID string
	Replayed      bool // true when an earlier debit for the same job was found
}

// BalanceView is the bucket breakdown returned to clients.
type BalanceView struct {
	Kind model.AccountKind

	// Consumer buckets
	FreeTickets           int
	DailyFreeLimit        int
	FreeResetAt           time.Time
	SubscriptionCredits   int
	SubscriptionStatus    model.SubscriptionStatus
	SubscriptionPeriodEnd *time.Time
	PaidCredits           int

	// Store balance
	Balance        int
	TotalPurchased int
	TotalConsumed  int
}

// LedgerUC owns credit accounts and the append-only transaction log. Every
// mutation runs in a transaction holding an advisory lock on the account key,
// so concurrent debits against one account are serialized: two requests can
// never both spend the last credit.
type LedgerUC struct {
	stores   repository.StoreRepository
	accounts repository.CreditAccountRepository
	ledger   repository.CreditTransactionRepository
	tm       repository.TransactionManager
	log      *zerolog.Logger
}

func NewLedgerUC(
	stores repository.StoreRepository,
	accounts repository.CreditAccountRepository,
	ledger repository.CreditTransactionRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *LedgerUC {
	l := logger.With().Str("component", "LedgerUC").Logger()
	return &LedgerUC{stores: stores, accounts: accounts, ledger: ledger, tm: tm, log: &l}
}

func hashToInt64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() & ((1 << 63) - 1))
}

// CheckAndDeduct atomically charges one unit against the referenced account
// for the given job. Replays (same job id) return the originally recorded
// debit without touching balances; an exhausted account yields
// domain.ErrNoCredits.
func (uc *LedgerUC) CheckAndDeduct(ctx context.Context, ref repository.OwnerRef, jobID string) (*DeductResult, error) {
	if ref.Empty() {
		metrics.IncDenied("auth_required")
		return nil, domain.ErrAuthRequired
	}
	if jobID == "" {
		return nil, domain.ErrInvalidArgument
	}

	store, err := uc.stores.FindByID(ctx, nil, ref.StoreID)
	if err != nil {
		return nil, err
	}

	var (
		result DeductResult
		denied error
	)
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.lockAccountKey(ctx, tx, ref.Key()); err != nil {
			return err
		}

		now := time.Now()
		account, err := uc.loadOrCreateAccount(ctx, tx, store, ref, now)
		if err != nil {
			return err
		}
		// Refunds lock by account id, so take that lock here too.
		if err := uc.lockAccountKey(ctx, tx, account.ID); err != nil {
			return err
		}

		// Idempotency: a debit recorded for this job means a retried request.
		if prior, err := uc.ledger.FindByJob(ctx, tx, account.ID, jobID, model.TransactionKindDebit); err == nil {
			result = DeductResult{Source: prior.Source, TransactionID: prior.ID, Replayed: true}
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		reset := account.MaybeResetFreeTickets(store, now)

		src, derr := account.Debit(now)
		if derr != nil {
			// Commit a refresh of the free bucket even when the debit is
			// denied, then surface the denial outside the transaction.
			if reset {
				if err := uc.accounts.Save(ctx, tx, account); err != nil {
					return err
				}
			}
			denied = derr
			return nil
		}

		entry := model.NewDebit(account.ID, jobID, src, now)
		if err := uc.ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		if err := uc.accounts.Save(ctx, tx, account); err != nil {
			return err
		}
		result = DeductResult{Source: src, TransactionID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		metrics.IncDenied("no_credits")
		return nil, denied
	}
	if !result.Replayed {
		metrics.IncDebit(string(result.Source))
	}
	return &result, nil
}

// Refund returns the unit debited for jobID to the bucket it came from by
// appending a compensating entry. The original debit is never deleted. Safe
// to call repeatedly; only the first call changes balances.
func (uc *LedgerUC) Refund(ctx context.Context, jobID string) error {
	if jobID == "" {
		return domain.ErrInvalidArgument
	}
	var refunded model.CreditSource
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		debit, err := uc.ledger.FindDebitByJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if err := uc.lockAccountKey(ctx, tx, debit.AccountID); err != nil {
			return err
		}

		if _, err := uc.ledger.FindByJob(ctx, tx, debit.AccountID, jobID, model.TransactionKindRefund); err == nil {
			return nil // already refunded
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		account, err := uc.accounts.FindByID(ctx, tx, debit.AccountID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := account.Credit(debit.Source, 1, now); err != nil {
			return err
		}
		if err := uc.ledger.Append(ctx, tx, model.NewRefund(account.ID, jobID, debit.Source, now)); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return nil
			}
			return err
		}
		if err := uc.accounts.Save(ctx, tx, account); err != nil {
			return err
		}
		refunded = debit.Source
		return nil
	})
	if err != nil {
		return err
	}
	if refunded != "" {
		metrics.IncRefund(string(refunded))
		uc.log.Info().Str("job_id", jobID).Str("source", string(refunded)).Msg("credit refunded")
	}
	return nil
}

// ApplyCredit tops up the named bucket. Called by the payment collaborator's
// webhook. A subscription top-up is a renewal: the bucket is reset to the
// purchased allotment and the period end advances.
func (uc *LedgerUC) ApplyCredit(ctx context.Context, ref repository.OwnerRef, amount int, bucket model.CreditSource) error {
	if ref.Empty() {
		return domain.ErrAuthRequired
	}
	if amount <= 0 {
		return domain.ErrInvalidArgument
	}

	store, err := uc.stores.FindByID(ctx, nil, ref.StoreID)
	if err != nil {
		return err
	}

	return uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.lockAccountKey(ctx, tx, ref.Key()); err != nil {
			return err
		}

		now := time.Now()
		account, err := uc.loadOrCreateAccount(ctx, tx, store, ref, now)
		if err != nil {
			return err
		}
		if err := uc.lockAccountKey(ctx, tx, account.ID); err != nil {
			return err
		}

		switch bucket {
		case model.SourcePaid:
			if account.Kind != model.AccountKindConsumer {
				return domain.ErrInvalidArgument
			}
			account.PaidCredits += amount
		case model.SourceSubscription:
			if account.Kind != model.AccountKindConsumer {
				return domain.ErrInvalidArgument
			}
			account.SubscriptionCredits = amount
			account.SubscriptionStatus = model.SubscriptionStatusActive
			periodEnd := now.AddDate(0, 1, 0)
			account.SubscriptionPeriodEnd = &periodEnd
		case model.SourceStoreB2B:
			if account.Kind != model.AccountKindStore {
				return domain.ErrInvalidArgument
			}
			account.Balance += amount
			account.TotalPurchased += amount
		default:
			return domain.ErrInvalidArgument
		}
		account.UpdatedAt = now

		if err := uc.ledger.Append(ctx, tx, model.NewPurchase(account.ID, bucket, amount, now)); err != nil {
			return err
		}
		if err := uc.accounts.Save(ctx, tx, account); err != nil {
			return err
		}
		metrics.AddPurchased(string(bucket), amount)
		return nil
	})
}

// CancelSubscription stops the subscription bucket from being drawn for the
// referenced account. Called by the payment collaborator when the consumer
// cancels; remaining subscription credits stay recorded until the expiry
// sweep clears the lapsed period.
func (uc *LedgerUC) CancelSubscription(ctx context.Context, ref repository.OwnerRef) error {
	if ref.Empty() {
		return domain.ErrAuthRequired
	}
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.lockAccountKey(ctx, tx, ref.Key()); err != nil {
			return err
		}
		account, err := uc.accounts.FindByRef(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := uc.lockAccountKey(ctx, tx, account.ID); err != nil {
			return err
		}
		if err := account.CancelSubscription(time.Now()); err != nil {
			return err
		}
		return uc.accounts.Save(ctx, tx, account)
	})
	if err != nil {
		return err
	}
	uc.log.Info().Str("owner", ref.Key()).Msg("subscription canceled")
	return nil
}

// ReconcileRefunds retries refunds that failed after their job reached a
// terminal failure. Refund is idempotent by job id, so replaying candidates
// found by the ledger is safe. Returns the number of refunds settled.
func (uc *LedgerUC) ReconcileRefunds(ctx context.Context) (int, error) {
	jobIDs, err := uc.ledger.ListUnrefundedJobs(ctx, nil, 100)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, jobID := range jobIDs {
		if err := uc.Refund(ctx, jobID); err != nil {
			// Leave it for the next sweep.
			uc.log.Error().Err(err).Str("job_id", jobID).Msg("refund reconciliation failed")
			continue
		}
		settled++
	}
	return settled, nil
}

// Balance returns the bucket breakdown, creating the account on first access
// like every other ledger entry point.
func (uc *LedgerUC) Balance(ctx context.Context, ref repository.OwnerRef) (*BalanceView, error) {
	if ref.Empty() {
		return nil, domain.ErrAuthRequired
	}
	store, err := uc.stores.FindByID(ctx, nil, ref.StoreID)
	if err != nil {
		return nil, err
	}

	var view BalanceView
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.lockAccountKey(ctx, tx, ref.Key()); err != nil {
			return err
		}
		now := time.Now()
		account, err := uc.loadOrCreateAccount(ctx, tx, store, ref, now)
		if err != nil {
			return err
		}
		if err := uc.lockAccountKey(ctx, tx, account.ID); err != nil {
			return err
		}
		if account.MaybeResetFreeTickets(store, now) {
			if err := uc.accounts.Save(ctx, tx, account); err != nil {
				return err
			}
		}
		view = BalanceView{
			Kind:                  account.Kind,
			FreeTickets:           account.FreeTicketsRemaining,
			DailyFreeLimit:        store.DailyFreeLimit,
			FreeResetAt:           account.FreeTicketsResetAt,
			SubscriptionCredits:   account.SubscriptionCredits,
			SubscriptionStatus:    account.SubscriptionStatus,
			SubscriptionPeriodEnd: account.SubscriptionPeriodEnd,
			PaidCredits:           account.PaidCredits,
			Balance:               account.Balance,
			TotalPurchased:        account.TotalPurchased,
			TotalConsumed:         account.TotalConsumed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// StoreBySlug resolves the public store reference clients send in requests.
func (uc *LedgerUC) StoreBySlug(ctx context.Context, slug string) (*model.Store, error) {
	if slug == "" {
		return nil, domain.ErrInvalidArgument
	}
	return uc.stores.FindBySlug(ctx, nil, slug)
}

// UpdateStoreSettings applies owner-configured free-ticket policy. Nil fields
// keep their current value. The new daily limit takes effect at each
// account's next reset; tickets already seeded under the old limit are left
// untouched.
func (uc *LedgerUC) UpdateStoreSettings(ctx context.Context, storeID string, dailyFreeLimit, freeResetHour *int) (*model.Store, error) {
	var store *model.Store
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := uc.stores.FindByID(ctx, tx, storeID)
		if err != nil {
			return err
		}
		limit, hour := s.DailyFreeLimit, s.FreeResetHour
		if dailyFreeLimit != nil {
			limit = *dailyFreeLimit
		}
		if freeResetHour != nil {
			hour = *freeResetHour
		}
		if err := s.UpdateSettings(limit, hour); err != nil {
			return err
		}
		if err := uc.stores.Save(ctx, tx, s); err != nil {
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ExpireSubscriptions lapses subscriptions whose paid period has ended.
// Debits already treat a lapsed period as unusable, so the sweep exists to
// keep stored status and balance views honest.
func (uc *LedgerUC) ExpireSubscriptions(ctx context.Context) (int, error) {
	var n int
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		n, err = uc.accounts.ExpireSubscriptions(ctx, tx, time.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// History returns the most recent ledger entries for the referenced account.
func (uc *LedgerUC) History(ctx context.Context, ref repository.OwnerRef, limit int) ([]*model.CreditTransaction, error) {
	if ref.Empty() {
		return nil, domain.ErrAuthRequired
	}
	account, err := uc.accounts.FindByRef(ctx, nil, ref)
	if errors.Is(err, domain.ErrNotFound) {
		// Never-seen owners simply have no history yet.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return uc.ledger.ListByAccount(ctx, nil, account.ID, limit)
}

func (uc *LedgerUC) loadOrCreateAccount(ctx context.Context, tx repository.Tx, store *model.Store, ref repository.OwnerRef, now time.Time) (*model.CreditAccount, error) {
	account, err := uc.accounts.FindByRef(ctx, tx, ref)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if ref.B2B {
		account, err = model.NewStoreAccount(store.ID, now)
	} else {
		account, err = model.NewConsumerAccount(store, ref.ConsumerID, ref.ExternalID, now)
	}
	if err != nil {
		return nil, err
	}
	if err := uc.accounts.Save(ctx, tx, account); err != nil {
		return nil, err
	}
	uc.log.Debug().Str("account_id", account.ID).Str("kind", string(account.Kind)).Msg("account created on first access")
	return account, nil
}

// lockAccountKey serializes all ledger work for one account within the
// surrounding transaction. In-memory transaction managers used by tests
// serialize on their own, so the lock only applies on the pgx path.
func (uc *LedgerUC) lockAccountKey(ctx context.Context, tx repository.Tx, key string) error {
	if pgtx, ok := tx.(pgx.Tx); ok {
		_, err := pgtx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", hashToInt64(key))
		return err
	}
	return nil
}
