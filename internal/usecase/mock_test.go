//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func now() time.Time { return time.Now().Truncate(time.Millisecond) }

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// =============================
// Infra helpers for tests
// =============================

// ---- Mock TransactionManager ----

// MockTxManager runs the callback directly, serializing callers the way the
// advisory lock does against Postgres. Concurrency tests rely on that.
type MockTxManager struct {
	mu         sync.Mutex
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, nil)
}

// =============================
// Repositories
// =============================

// ---- Mock StoreRepository ----

type MockStoreRepo struct {
	mu     sync.Mutex
	byID   map[string]*model.Store
	bySlug map[string]*model.Store

	SaveFunc       func(ctx context.Context, tx repository.Tx, s *model.Store) error
	FindByIDFunc   func(ctx context.Context, tx repository.Tx, id string) (*model.Store, error)
	FindBySlugFunc func(ctx context.Context, tx repository.Tx, slug string) (*model.Store, error)
}

var _ repository.StoreRepository = (*MockStoreRepo)(nil)

func NewMockStoreRepo() *MockStoreRepo {
	return &MockStoreRepo{byID: map[string]*model.Store{}, bySlug: map[string]*model.Store{}}
}

func (r *MockStoreRepo) Save(ctx context.Context, tx repository.Tx, s *model.Store) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, tx, s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[cp.ID] = &cp
	r.bySlug[cp.Slug] = &cp
	return nil
}

func (r *MockStoreRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Store, error) {
	if r.FindByIDFunc != nil {
		return r.FindByIDFunc(ctx, tx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockStoreRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Store, error) {
	if r.FindBySlugFunc != nil {
		return r.FindBySlugFunc(ctx, tx, slug)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.bySlug[slug]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

// ---- Mock CreditAccountRepository ----

type MockAccountRepo struct {
	mu   sync.Mutex
	byID map[string]*model.CreditAccount

	SaveFunc      func(ctx context.Context, tx repository.Tx, a *model.CreditAccount) error
	FindByRefFunc func(ctx context.Context, tx repository.Tx, ref repository.OwnerRef) (*model.CreditAccount, error)
	FindByIDFunc  func(ctx context.Context, tx repository.Tx, id string) (*model.CreditAccount, error)
}

var _ repository.CreditAccountRepository = (*MockAccountRepo)(nil)

func NewMockAccountRepo() *MockAccountRepo {
	return &MockAccountRepo{byID: map[string]*model.CreditAccount{}}
}

func (r *MockAccountRepo) Save(ctx context.Context, tx repository.Tx, a *model.CreditAccount) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, tx, a)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.byID[cp.ID] = &cp
	return nil
}

func (r *MockAccountRepo) FindByRef(ctx context.Context, tx repository.Tx, ref repository.OwnerRef) (*model.CreditAccount, error) {
	if r.FindByRefFunc != nil {
		return r.FindByRefFunc(ctx, tx, ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.StoreID != ref.StoreID {
			continue
		}
		switch {
		case ref.B2B:
			if a.Kind == model.AccountKindStore {
				cp := *a
				return &cp, nil
			}
		case ref.ConsumerID != "":
			if a.Kind == model.AccountKindConsumer && a.ConsumerID == ref.ConsumerID {
				cp := *a
				return &cp, nil
			}
		default:
			if a.Kind == model.AccountKindConsumer && a.ExternalID == ref.ExternalID {
				cp := *a
				return &cp, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockAccountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditAccount, error) {
	if r.FindByIDFunc != nil {
		return r.FindByIDFunc(ctx, tx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockAccountRepo) ExpireSubscriptions(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.byID {
		if a.SubscriptionStatus == model.SubscriptionStatusNone {
			continue
		}
		if a.SubscriptionPeriodEnd != nil && a.SubscriptionPeriodEnd.Before(now) {
			a.SubscriptionStatus = model.SubscriptionStatusNone
			a.SubscriptionCredits = 0
			n++
		}
	}
	return n, nil
}

// ---- Mock CreditTransactionRepository ----

// MockLedgerRepo enforces the (account_id, job_id, kind) uniqueness the real
// table has, since idempotency tests depend on it.
type MockLedgerRepo struct {
	mu      sync.Mutex
	entries []*model.CreditTransaction

	AppendFunc             func(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error
	ListUnrefundedJobsFunc func(ctx context.Context, tx repository.Tx, limit int) ([]string, error)
}

var _ repository.CreditTransactionRepository = (*MockLedgerRepo)(nil)

func NewMockLedgerRepo() *MockLedgerRepo {
	return &MockLedgerRepo{}
}

func (r *MockLedgerRepo) Append(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	if r.AppendFunc != nil {
		return r.AppendFunc(ctx, tx, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Kind != model.TransactionKindPurchase {
		for _, e := range r.entries {
			if e.AccountID == t.AccountID && e.JobID == t.JobID && e.Kind == t.Kind {
				return domain.ErrAlreadyExists
			}
		}
	}
	cp := *t
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *MockLedgerRepo) FindByJob(ctx context.Context, tx repository.Tx, accountID, jobID string, kind model.TransactionKind) (*model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.AccountID == accountID && e.JobID == jobID && e.Kind == kind {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockLedgerRepo) FindDebitByJob(ctx context.Context, tx repository.Tx, jobID string) (*model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.JobID == jobID && e.Kind == model.TransactionKindDebit {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockLedgerRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string, limit int) ([]*model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CreditTransaction
	for _, e := range r.entries {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListUnrefundedJobs has no queue table to join against, so the default
// returns every debit lacking a refund; tests arrange entries so that only
// terminally failed jobs qualify, or override the Func.
func (r *MockLedgerRepo) ListUnrefundedJobs(ctx context.Context, tx repository.Tx, limit int) ([]string, error) {
	if r.ListUnrefundedJobsFunc != nil {
		return r.ListUnrefundedJobsFunc(ctx, tx, limit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	refunded := map[string]bool{}
	for _, e := range r.entries {
		if e.Kind == model.TransactionKindRefund {
			refunded[e.AccountID+"/"+e.JobID] = true
		}
	}
	var out []string
	for _, e := range r.entries {
		if e.Kind == model.TransactionKindDebit && !refunded[e.AccountID+"/"+e.JobID] {
			out = append(out, e.JobID)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count reports how many entries of the kind were appended. Test-only helper.
func (r *MockLedgerRepo) Count(kind model.TransactionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ---- Mock QueueRepository ----

type MockQueueRepo struct {
	mu   sync.Mutex
	byID map[string]*model.QueueItem

	SaveFunc                  func(ctx context.Context, tx repository.Tx, item *model.QueueItem) error
	AverageProcessingTimeFunc func(ctx context.Context, tx repository.Tx) (time.Duration, error)
}

var _ repository.QueueRepository = (*MockQueueRepo)(nil)

func NewMockQueueRepo() *MockQueueRepo {
	return &MockQueueRepo{byID: map[string]*model.QueueItem{}}
}

func (r *MockQueueRepo) Save(ctx context.Context, tx repository.Tx, item *model.QueueItem) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, tx, item)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *item
	r.byID[cp.ID] = &cp
	return nil
}

func (r *MockQueueRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.byID[id]; ok {
		cp := *it
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockQueueRepo) FetchAndMarkProcessing(ctx context.Context) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *model.QueueItem
	for _, it := range r.byID {
		if it.Status != model.QueueStatusPending {
			continue
		}
		if oldest == nil || before(it, oldest) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	oldest.Status = model.QueueStatusProcessing
	started := now()
	oldest.StartedAt = &started
	cp := *oldest
	return &cp, nil
}

func (r *MockQueueRepo) CountAhead(ctx context.Context, tx repository.Tx, item *model.QueueItem) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.byID {
		if it.Status == model.QueueStatusPending && before(it, item) {
			n++
		}
	}
	return n, nil
}

func (r *MockQueueRepo) MarkPendingRetry(ctx context.Context, id string, retryCount int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byID[id]
	if !ok || it.Status != model.QueueStatusProcessing {
		return false, nil
	}
	it.Status = model.QueueStatusPending
	it.RetryCount = retryCount
	it.StartedAt = nil
	return true, nil
}

func (r *MockQueueRepo) CancelPending(ctx context.Context, tx repository.Tx, id string, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byID[id]
	if !ok || it.Status != model.QueueStatusPending {
		return false, nil
	}
	it.Status = model.QueueStatusFailed
	it.ErrorMsg = errMsg
	done := now()
	it.CompletedAt = &done
	return true, nil
}

func (r *MockQueueRepo) Stats(ctx context.Context, tx repository.Tx) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, processing := 0, 0
	for _, it := range r.byID {
		switch it.Status {
		case model.QueueStatusPending:
			pending++
		case model.QueueStatusProcessing:
			processing++
		}
	}
	return pending, processing, nil
}

func (r *MockQueueRepo) AverageProcessingTime(ctx context.Context, tx repository.Tx) (time.Duration, error) {
	if r.AverageProcessingTimeFunc != nil {
		return r.AverageProcessingTimeFunc(ctx, tx)
	}
	return 0, nil
}

func before(a, b *model.QueueItem) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
