//go:build !integration

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/web"
	"tryon-pipeline/internal/usecase"
)

const testWebhookSecret = "hook-secret"

// ---- in-memory fakes ----

type memTxManager struct{ mu sync.Mutex }

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, nil)
}

type memStoreRepo struct {
	mu     sync.Mutex
	bySlug map[string]*model.Store
	byID   map[string]*model.Store
}

func newMemStoreRepo() *memStoreRepo {
	return &memStoreRepo{bySlug: map[string]*model.Store{}, byID: map[string]*model.Store{}}
}

func (r *memStoreRepo) Save(_ context.Context, _ repository.Tx, s *model.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.bySlug[cp.Slug] = &cp
	r.byID[cp.ID] = &cp
	return nil
}

func (r *memStoreRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memStoreRepo) FindBySlug(_ context.Context, _ repository.Tx, slug string) (*model.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.bySlug[slug]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

type memAccountRepo struct {
	mu   sync.Mutex
	byID map[string]*model.CreditAccount
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{byID: map[string]*model.CreditAccount{}}
}

func (r *memAccountRepo) Save(_ context.Context, _ repository.Tx, a *model.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.byID[cp.ID] = &cp
	return nil
}

func (r *memAccountRepo) FindByRef(_ context.Context, _ repository.Tx, ref repository.OwnerRef) (*model.CreditAccount, error) {
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

func (r *memAccountRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memAccountRepo) ExpireSubscriptions(context.Context, repository.Tx, time.Time) (int, error) {
	return 0, nil
}

type memLedgerRepo struct {
	mu      sync.Mutex
	entries []*model.CreditTransaction
}

func (r *memLedgerRepo) Append(_ context.Context, _ repository.Tx, t *model.CreditTransaction) error {
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

func (r *memLedgerRepo) FindByJob(_ context.Context, _ repository.Tx, accountID, jobID string, kind model.TransactionKind) (*model.CreditTransaction, error) {
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

func (r *memLedgerRepo) FindDebitByJob(_ context.Context, _ repository.Tx, jobID string) (*model.CreditTransaction, error) {
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

func (r *memLedgerRepo) ListByAccount(_ context.Context, _ repository.Tx, accountID string, limit int) ([]*model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CreditTransaction
	for _, e := range r.entries {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memLedgerRepo) ListUnrefundedJobs(context.Context, repository.Tx, int) ([]string, error) {
	return nil, nil
}

type memQueueRepo struct {
	mu   sync.Mutex
	byID map[string]*model.QueueItem
}

func newMemQueueRepo() *memQueueRepo {
	return &memQueueRepo{byID: map[string]*model.QueueItem{}}
}

func (r *memQueueRepo) Save(_ context.Context, _ repository.Tx, item *model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *item
	r.byID[cp.ID] = &cp
	return nil
}

func (r *memQueueRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.byID[id]; ok {
		cp := *it
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memQueueRepo) FetchAndMarkProcessing(context.Context) (*model.QueueItem, error) {
	return nil, domain.ErrNotFound
}

func (r *memQueueRepo) CountAhead(_ context.Context, _ repository.Tx, item *model.QueueItem) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.byID {
		if it.Status != model.QueueStatusPending {
			continue
		}
		if it.CreatedAt.Before(item.CreatedAt) || (it.CreatedAt.Equal(item.CreatedAt) && it.ID < item.ID) {
			n++
		}
	}
	return n, nil
}

func (r *memQueueRepo) MarkPendingRetry(_ context.Context, id string, retryCount int) (bool, error) {
	return false, nil
}

func (r *memQueueRepo) CancelPending(_ context.Context, _ repository.Tx, id, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byID[id]
	if !ok || it.Status != model.QueueStatusPending {
		return false, nil
	}
	it.Status = model.QueueStatusFailed
	it.ErrorMsg = errMsg
	return true, nil
}

func (r *memQueueRepo) Stats(context.Context, repository.Tx) (int, int, error) {
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

func (r *memQueueRepo) AverageProcessingTime(context.Context, repository.Tx) (time.Duration, error) {
	return 0, nil
}

// ---- fixture ----

type apiFixture struct {
	srv    *httptest.Server
	auth   *web.AuthManager
	store  *model.Store
	stores *memStoreRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zerolog.New(io.Discard)

	stores := newMemStoreRepo()
	accounts := newMemAccountRepo()
	ledgerRepo := &memLedgerRepo{}
	queueRepo := newMemQueueRepo()
	tm := &memTxManager{}

	ledgerUC := usecase.NewLedgerUC(stores, accounts, ledgerRepo, tm, &logger)
	queueUC := usecase.NewQueueUC(queueRepo, ledgerUC, &logger)
	auth := web.NewAuthManager("test-hmac-secret", false, time.Hour)

	server := web.NewServer(ledgerUC, queueUC, auth, nil, web.ServerOptions{
		WebhookSecret: testWebhookSecret,
		Timeout:       5 * time.Second,
	}, &logger)

	store, err := model.NewStore("store-1", "demo-boutique", "Demo Boutique")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := stores.Save(context.Background(), nil, store); err != nil {
		t.Fatalf("save store: %v", err)
	}

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &apiFixture{srv: ts, auth: auth, store: store, stores: stores}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func submitBody(consumerID string) map[string]interface{} {
	return map[string]interface{}{
		"storeRef":   "demo-boutique",
		"consumerId": consumerID,
		"payload":    map[string]string{"personImage": "p.jpg", "garmentImage": "g.jpg"},
	}
}

func TestQueueEndpoints(t *testing.T) {
	t.Run("submission charges and enqueues", func(t *testing.T) {
		f := newAPIFixture(t)

		resp, body := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
		}
		if body["source"] != "free" {
			t.Errorf("expected source 'free', got %v", body["source"])
		}
		id, _ := body["queueId"].(string)
		if id == "" {
			t.Fatal("expected a queue id")
		}

		resp, body = f.do(t, http.MethodGet, "/api/v1/queue/"+id, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["status"] != "pending" {
			t.Errorf("expected pending, got %v", body["status"])
		}
	})

	t.Run("second submission reports one item ahead", func(t *testing.T) {
		f := newAPIFixture(t)

		f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		resp, body := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("bob"), nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		if body["position"] != float64(1) || body["itemsAhead"] != float64(1) {
			t.Errorf("expected position/itemsAhead 1, got %v/%v", body["position"], body["itemsAhead"])
		}
	})

	t.Run("exhausted credits yield NO_CREDITS", func(t *testing.T) {
		f := newAPIFixture(t)

		for i := 0; i < model.DefaultDailyFreeLimit; i++ {
			resp, _ := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
			if resp.StatusCode != http.StatusCreated {
				t.Fatalf("submission %d: expected 201, got %d", i, resp.StatusCode)
			}
		}
		resp, body := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		if resp.StatusCode != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d", resp.StatusCode)
		}
		if body["code"] != "NO_CREDITS" {
			t.Errorf("expected code NO_CREDITS, got %v", body["code"])
		}
	})

	t.Run("unknown store is NOT_FOUND", func(t *testing.T) {
		f := newAPIFixture(t)
		body := submitBody("alice")
		body["storeRef"] = "no-such-store"
		resp, decoded := f.do(t, http.MethodPost, "/api/v1/queue", body, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		if decoded["code"] != "NOT_FOUND" {
			t.Errorf("expected code NOT_FOUND, got %v", decoded["code"])
		}
	})

	t.Run("missing identity is AUTH_REQUIRED", func(t *testing.T) {
		f := newAPIFixture(t)
		body := submitBody("")
		resp, decoded := f.do(t, http.MethodPost, "/api/v1/queue", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if decoded["code"] != "AUTH_REQUIRED" {
			t.Errorf("expected code AUTH_REQUIRED, got %v", decoded["code"])
		}
	})

	t.Run("missing payload is INVALID_ARGUMENT", func(t *testing.T) {
		f := newAPIFixture(t)
		body := map[string]interface{}{"storeRef": "demo-boutique", "consumerId": "alice"}
		resp, decoded := f.do(t, http.MethodPost, "/api/v1/queue", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if decoded["code"] != "INVALID_ARGUMENT" {
			t.Errorf("expected code INVALID_ARGUMENT, got %v", decoded["code"])
		}
	})

	t.Run("cancel refunds and double cancel conflicts", func(t *testing.T) {
		f := newAPIFixture(t)

		_, body := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		id := body["queueId"].(string)

		resp, _ := f.do(t, http.MethodDelete, "/api/v1/queue/"+id, nil, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}

		resp, decoded := f.do(t, http.MethodDelete, "/api/v1/queue/"+id, nil, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
		if decoded["code"] != "NOT_CANCELABLE" {
			t.Errorf("expected code NOT_CANCELABLE, got %v", decoded["code"])
		}

		// The refunded ticket is visible in the balance.
		path := "/api/v1/billing/balance?storeRef=demo-boutique&consumerId=alice"
		_, balance := f.do(t, http.MethodGet, path, nil, nil)
		if balance["freeTickets"] != float64(model.DefaultDailyFreeLimit) {
			t.Errorf("expected %d free tickets after refund, got %v", model.DefaultDailyFreeLimit, balance["freeTickets"])
		}
	})

	t.Run("stats aggregates the queue", func(t *testing.T) {
		f := newAPIFixture(t)
		f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		f.do(t, http.MethodPost, "/api/v1/queue", submitBody("bob"), nil)

		resp, body := f.do(t, http.MethodGet, "/api/v1/queue", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["pendingCount"] != float64(2) {
			t.Errorf("expected 2 pending, got %v", body["pendingCount"])
		}
	})
}

func TestBillingEndpoints(t *testing.T) {
	t.Run("balance creates the account on first read", func(t *testing.T) {
		f := newAPIFixture(t)
		path := "/api/v1/billing/balance?storeRef=demo-boutique&consumerId=alice"
		resp, body := f.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["kind"] != "consumer" {
			t.Errorf("expected consumer account, got %v", body["kind"])
		}
		if body["freeTickets"] != float64(model.DefaultDailyFreeLimit) {
			t.Errorf("expected %d free tickets, got %v", model.DefaultDailyFreeLimit, body["freeTickets"])
		}
	})

	t.Run("top-up requires the webhook secret", func(t *testing.T) {
		f := newAPIFixture(t)
		body := map[string]interface{}{
			"storeRef": "demo-boutique", "consumerId": "alice",
			"amount": 10, "bucket": "paid",
		}

		resp, _ := f.do(t, http.MethodPost, "/api/v1/billing/topup", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("no secret: expected 401, got %d", resp.StatusCode)
		}
		resp, _ = f.do(t, http.MethodPost, "/api/v1/billing/topup", body, map[string]string{"X-Webhook-Secret": "wrong"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("wrong secret: expected 401, got %d", resp.StatusCode)
		}

		resp, _ = f.do(t, http.MethodPost, "/api/v1/billing/topup", body, map[string]string{"X-Webhook-Secret": testWebhookSecret})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		path := "/api/v1/billing/balance?storeRef=demo-boutique&consumerId=alice"
		_, balance := f.do(t, http.MethodGet, path, nil, nil)
		if balance["paidCredits"] != float64(10) {
			t.Errorf("expected 10 paid credits, got %v", balance["paidCredits"])
		}
	})

	t.Run("subscription cancel is webhook gated", func(t *testing.T) {
		f := newAPIFixture(t)
		owner := map[string]interface{}{"storeRef": "demo-boutique", "consumerId": "alice"}

		topup := map[string]interface{}{
			"storeRef": "demo-boutique", "consumerId": "alice",
			"amount": 50, "bucket": "subscription",
		}
		resp, _ := f.do(t, http.MethodPost, "/api/v1/billing/topup", topup, map[string]string{"X-Webhook-Secret": testWebhookSecret})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("topup: expected 200, got %d", resp.StatusCode)
		}

		resp, _ = f.do(t, http.MethodPost, "/api/v1/billing/subscription/cancel", owner, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("no secret: expected 401, got %d", resp.StatusCode)
		}

		resp, _ = f.do(t, http.MethodPost, "/api/v1/billing/subscription/cancel", owner, map[string]string{"X-Webhook-Secret": testWebhookSecret})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		path := "/api/v1/billing/balance?storeRef=demo-boutique&consumerId=alice"
		_, balance := f.do(t, http.MethodGet, path, nil, nil)
		if balance["subscriptionStatus"] != "canceled" {
			t.Errorf("expected canceled status, got %v", balance["subscriptionStatus"])
		}
		if balance["subscriptionCredits"] != float64(50) {
			t.Errorf("cancellation must keep credits recorded, got %v", balance["subscriptionCredits"])
		}
	})

	t.Run("settings require a store session", func(t *testing.T) {
		f := newAPIFixture(t)
		body := map[string]interface{}{"dailyFreeLimit": 5, "freeResetHour": 4}

		resp, decoded := f.do(t, http.MethodPatch, "/api/v1/billing/settings", body, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d (%v)", resp.StatusCode, decoded)
		}

		// Mint a session through the exchange endpoint.
		resp, session := f.do(t, http.MethodPost, "/api/v1/billing/session",
			map[string]string{"storeRef": "demo-boutique"},
			map[string]string{"X-Webhook-Secret": testWebhookSecret})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("session: expected 200, got %d", resp.StatusCode)
		}
		token, _ := session["token"].(string)
		if token == "" {
			t.Fatal("expected a session token")
		}

		resp, decoded = f.do(t, http.MethodPatch, "/api/v1/billing/settings", body,
			map[string]string{"Authorization": fmt.Sprintf("Bearer %s", token)})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, decoded)
		}
		if decoded["dailyFreeLimit"] != float64(5) || decoded["freeResetHour"] != float64(4) {
			t.Errorf("settings not applied: %v", decoded)
		}
	})

	t.Run("history lists ledger entries", func(t *testing.T) {
		f := newAPIFixture(t)
		path := "/api/v1/billing/history?storeRef=demo-boutique&consumerId=alice"

		// Before any activity the history is empty, not an error.
		resp, body := f.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if entries, _ := body["entries"].([]interface{}); len(entries) != 0 {
			t.Errorf("expected no entries, got %v", entries)
		}

		_, submit := f.do(t, http.MethodPost, "/api/v1/queue", submitBody("alice"), nil)
		id := submit["queueId"].(string)
		f.do(t, http.MethodDelete, "/api/v1/queue/"+id, nil, nil)

		_, body = f.do(t, http.MethodGet, path, nil, nil)
		entries, _ := body["entries"].([]interface{})
		if len(entries) != 2 {
			t.Fatalf("expected a debit and a refund, got %d entries", len(entries))
		}
		kinds := map[string]bool{}
		for _, e := range entries {
			kinds[e.(map[string]interface{})["kind"].(string)] = true
		}
		if !kinds["debit"] || !kinds["refund"] {
			t.Errorf("expected debit and refund kinds, got %v", kinds)
		}
	})

	t.Run("out-of-range settings are rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		_, session := f.do(t, http.MethodPost, "/api/v1/billing/session",
			map[string]string{"storeRef": "demo-boutique"},
			map[string]string{"X-Webhook-Secret": testWebhookSecret})
		token := session["token"].(string)

		resp, decoded := f.do(t, http.MethodPatch, "/api/v1/billing/settings",
			map[string]interface{}{"dailyFreeLimit": 0},
			map[string]string{"Authorization": "Bearer " + token})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if decoded["code"] != "INVALID_ARGUMENT" {
			t.Errorf("expected code INVALID_ARGUMENT, got %v", decoded["code"])
		}
	})
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
