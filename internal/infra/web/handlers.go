package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/logging"
	red "tryon-pipeline/internal/infra/redis"
	"tryon-pipeline/internal/usecase"
)

// ownerRequest carries the account reference fields shared by the queue and
// billing surfaces. StoreRef is the store's public slug.
type ownerRequest struct {
	StoreRef   string `json:"storeRef"`
	ConsumerID string `json:"consumerId"`
	ExternalID string `json:"externalId"`
	B2B        bool   `json:"b2b"`
}

// resolveOwner maps the wire fields onto a repository reference. When both
// consumer identifiers are present the logged-in one wins.
func (s *Server) resolveOwner(ctx context.Context, req ownerRequest) (repository.OwnerRef, error) {
	store, err := s.ledgerUC.StoreBySlug(ctx, req.StoreRef)
	if err != nil {
		return repository.OwnerRef{}, err
	}
	ref := repository.OwnerRef{StoreID: store.ID, B2B: req.B2B}
	if !req.B2B {
		if req.ConsumerID != "" {
			ref.ConsumerID = req.ConsumerID
		} else {
			ref.ExternalID = req.ExternalID
		}
	}
	if ref.Empty() {
		return repository.OwnerRef{}, domain.ErrAuthRequired
	}
	return ref, nil
}

// ---- queue ----

type queueAddRequest struct {
	ownerRequest
	Payload json.RawMessage `json:"payload"`
}

// Polling contract advertised to clients: check the status endpoint at this
// interval and give up after the ceiling.
const (
	pollIntervalSeconds = 3
	pollTimeoutSeconds  = 300
)

type queueAddResponse struct {
	QueueID              string `json:"queueId"`
	Position             int    `json:"position"`
	ItemsAhead           int    `json:"itemsAhead"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
	Source               string `json:"source"`
	Replayed             bool   `json:"replayed,omitempty"`
	PollIntervalSeconds  int    `json:"pollIntervalSeconds"`
	PollTimeoutSeconds   int    `json:"pollTimeoutSeconds"`
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req queueAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, domain.ErrInvalidArgument)
		return
	}

	ctx := r.Context()
	ref, err := s.resolveOwner(ctx, req.ownerRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx = logging.WithStoreID(ctx, ref.StoreID)

	if s.limiter != nil && s.submitLimit > 0 {
		ok, err := s.limiter.Allow(ctx, red.SubmitKey(ref.Key()), s.submitLimit, s.submitWindow)
		if err != nil {
			// Limiter outage must not block submissions.
			logging.With(ctx, s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			writeError(w, domain.ErrRateLimited)
			return
		}
	}

	jobID := usecase.NewJobID()
	deduct, err := s.ledgerUC.CheckAndDeduct(ctx, ref, jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	add, err := s.queueUC.Add(ctx, jobID, ref.Key(), ref.StoreID, req.Payload)
	if err != nil {
		// The job never entered the queue; hand the unit back.
		if rerr := s.ledgerUC.Refund(ctx, jobID); rerr != nil {
			logging.With(ctx, s.log).Error().Err(rerr).Str("job_id", jobID).Msg("refund after failed enqueue")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, queueAddResponse{
		QueueID:              add.QueueID,
		Position:             add.Position,
		ItemsAhead:           add.ItemsAhead,
		EstimatedWaitSeconds: int(add.EstimatedWaitTime.Seconds()),
		Source:               string(deduct.Source),
		Replayed:             deduct.Replayed,
		PollIntervalSeconds:  pollIntervalSeconds,
		PollTimeoutSeconds:   pollTimeoutSeconds,
	})
}

type queueStatusResponse struct {
	ID                   string          `json:"id"`
	Status               string          `json:"status"`
	Position             int             `json:"position"`
	ItemsAhead           int             `json:"itemsAhead"`
	EstimatedWaitSeconds int             `json:"estimatedWaitSeconds"`
	ResultData           json.RawMessage `json:"resultData,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	RetryCount           int             `json:"retryCount"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.queueUC.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	item := view.Item
	writeJSON(w, http.StatusOK, queueStatusResponse{
		ID:                   item.ID,
		Status:               string(item.Status),
		Position:             view.Position.Position,
		ItemsAhead:           view.Position.ItemsAhead,
		EstimatedWaitSeconds: int(view.Position.EstimatedWaitTime.Seconds()),
		ResultData:           item.ResultData,
		ErrorMessage:         item.ErrorMsg,
		RetryCount:           item.RetryCount,
		CreatedAt:            item.CreatedAt,
		StartedAt:            item.StartedAt,
		CompletedAt:          item.CompletedAt,
	})
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queueUC.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueStatsResponse struct {
	PendingCount         int `json:"pendingCount"`
	ProcessingCount      int `json:"processingCount"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queueUC.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{
		PendingCount:         stats.PendingCount,
		ProcessingCount:      stats.ProcessingCount,
		EstimatedWaitSeconds: int(stats.EstimatedWaitTime.Seconds()),
	})
}

// ---- billing ----

type balanceResponse struct {
	Kind string `json:"kind"`

	FreeTickets           int        `json:"freeTickets"`
	DailyFreeLimit        int        `json:"dailyFreeLimit"`
	FreeResetAt           time.Time  `json:"freeResetAt"`
	SubscriptionCredits   int        `json:"subscriptionCredits"`
	SubscriptionStatus    string     `json:"subscriptionStatus"`
	SubscriptionPeriodEnd *time.Time `json:"subscriptionPeriodEnd,omitempty"`
	PaidCredits           int        `json:"paidCredits"`

	Balance        int `json:"balance"`
	TotalPurchased int `json:"totalPurchased"`
	TotalConsumed  int `json:"totalConsumed"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ownerRequest{
		StoreRef:   q.Get("storeRef"),
		ConsumerID: q.Get("consumerId"),
		ExternalID: q.Get("externalId"),
		B2B:        q.Get("b2b") == "true",
	}
	ref, err := s.resolveOwner(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.ledgerUC.Balance(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Kind:                  string(view.Kind),
		FreeTickets:           view.FreeTickets,
		DailyFreeLimit:        view.DailyFreeLimit,
		FreeResetAt:           view.FreeResetAt,
		SubscriptionCredits:   view.SubscriptionCredits,
		SubscriptionStatus:    string(view.SubscriptionStatus),
		SubscriptionPeriodEnd: view.SubscriptionPeriodEnd,
		PaidCredits:           view.PaidCredits,
		Balance:               view.Balance,
		TotalPurchased:        view.TotalPurchased,
		TotalConsumed:         view.TotalConsumed,
	})
}

type historyEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Amount    int       `json:"amount"`
	JobID     string    `json:"jobId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ownerRequest{
		StoreRef:   q.Get("storeRef"),
		ConsumerID: q.Get("consumerId"),
		ExternalID: q.Get("externalId"),
		B2B:        q.Get("b2b") == "true",
	}
	ref, err := s.resolveOwner(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	entries, err := s.ledgerUC.History(r.Context(), ref, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Source:    string(e.Source),
			Amount:    e.Amount,
			JobID:     e.JobID,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

type topUpRequest struct {
	ownerRequest
	Amount int    `json:"amount"`
	Bucket string `json:"bucket"` // paid | subscription | store_b2b
}

// handleTopUp is the payment collaborator's webhook. The shared secret stands
// in for provider signature verification, which stays with the collaborator.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeError(w, domain.ErrAuthRequired)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}

	bucket := model.CreditSource(req.Bucket)
	switch bucket {
	case model.SourcePaid, model.SourceSubscription, model.SourceStoreB2B:
	default:
		writeError(w, domain.ErrInvalidArgument)
		return
	}

	ref, err := s.resolveOwner(r.Context(), req.ownerRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledgerUC.ApplyCredit(r.Context(), ref, req.Amount, bucket); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// handleSubscriptionCancel is called by the payment collaborator when a
// consumer ends their subscription. The bucket stops being debitable at once;
// the expiry sweep clears the remaining credits when the paid period lapses.
func (s *Server) handleSubscriptionCancel(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeError(w, domain.ErrAuthRequired)
		return
	}
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	ref, err := s.resolveOwner(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledgerUC.CancelSubscription(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type settingsRequest struct {
	DailyFreeLimit *int `json:"dailyFreeLimit"`
	FreeResetHour  *int `json:"freeResetHour"`
}

type settingsResponse struct {
	StoreID        string `json:"storeId"`
	DailyFreeLimit int    `json:"dailyFreeLimit"`
	FreeResetHour  int    `json:"freeResetHour"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.ParseFromRequest(r)
	if err != nil {
		writeError(w, domain.ErrAuthRequired)
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	store, err := s.ledgerUC.UpdateStoreSettings(r.Context(), claims.StoreID, req.DailyFreeLimit, req.FreeResetHour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{
		StoreID:        store.ID,
		DailyFreeLimit: store.DailyFreeLimit,
		FreeResetHour:  store.FreeResetHour,
	})
}

type sessionRequest struct {
	StoreRef string `json:"storeRef"`
}

// handleMintSession exchanges the webhook secret for a store-owner session
// token. The dashboard's identity provider calls this after its own login.
func (s *Server) handleMintSession(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeError(w, domain.ErrAuthRequired)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	store, err := s.ledgerUC.StoreBySlug(r.Context(), req.StoreRef)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.auth.Mint(w, store.ID)
	if err != nil {
		writeError(w, domain.ErrOperationFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "storeId": store.ID})
}

func (s *Server) webhookAuthorized(r *http.Request) bool {
	if s.webhookSecret == "" {
		return false
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) == 1
}
