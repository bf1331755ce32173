package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/metrics"
)

// DefaultProcessingTime seeds wait estimates before any job has completed.
const DefaultProcessingTime = 30 * time.Second

// NewJobID mints a queue item id. ULIDs sort by creation time, which keeps
// the (created_at, id) FIFO tie-break stable.
func NewJobID() string { return ulid.Make().String() }

// AddResult is returned to the submitter.
type AddResult struct {
	QueueID           string
	Position          int
	ItemsAhead        int
	EstimatedWaitTime time.Duration
}

// StatusView is the client-facing snapshot of one queue item. Position fields
// are live-computed for pending items and zero otherwise.
type StatusView struct {
	Item     *model.QueueItem
	Position model.QueuePosition
}

// QueueUC is the public entry point to the job queue. Admission control is
// the caller's responsibility: Add assumes the credit ledger already charged
// for the job id it is given.
type QueueUC struct {
	queue  repository.QueueRepository
	ledger *LedgerUC
	log    *zerolog.Logger
}

func NewQueueUC(queue repository.QueueRepository, ledger *LedgerUC, logger *zerolog.Logger) *QueueUC {
	l := logger.With().Str("component", "QueueUC").Logger()
	return &QueueUC{queue: queue, ledger: ledger, log: &l}
}

// Add enqueues a job as pending under the given id (the same id the ledger
// debit was recorded against) and reports its starting position.
func (uc *QueueUC) Add(ctx context.Context, jobID, ownerID, storeID string, payload json.RawMessage) (*AddResult, error) {
	if jobID == "" || ownerID == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	item := &model.QueueItem{
		ID:        jobID,
		Status:    model.QueueStatusPending,
		OwnerID:   ownerID,
		StoreID:   storeID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.queue.Save(ctx, nil, item); err != nil {
		return nil, err
	}

	pos, err := uc.position(ctx, item)
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("job_id", item.ID).Int("items_ahead", pos.ItemsAhead).Msg("job enqueued")
	return &AddResult{
		QueueID:           item.ID,
		Position:          pos.Position,
		ItemsAhead:        pos.ItemsAhead,
		EstimatedWaitTime: pos.EstimatedWaitTime,
	}, nil
}

// GetStatus returns the item with its live position. Position is a reporting
// guarantee only: with several workers a later item may still finish first.
func (uc *QueueUC) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	item, err := uc.queue.FindByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Item: item}
	if item.Status == model.QueueStatusPending {
		pos, err := uc.position(ctx, item)
		if err != nil {
			return nil, err
		}
		view.Position = pos
	}
	return view, nil
}

// Cancel aborts a pending item and refunds its reserved credit. Items that
// are already processing or terminal cannot be canceled; the conditional
// update in storage decides races with workers.
func (uc *QueueUC) Cancel(ctx context.Context, id string) error {
	item, err := uc.queue.FindByID(ctx, nil, id)
	if err != nil {
		return err
	}
	if item.Status != model.QueueStatusPending {
		return domain.ErrNotCancelable
	}
	ok, err := uc.queue.CancelPending(ctx, nil, id, model.CanceledMessage)
	if err != nil {
		return err
	}
	if !ok {
		// A worker claimed it between our read and the update.
		return domain.ErrNotCancelable
	}
	metrics.IncJob("canceled")
	uc.log.Info().Str("job_id", id).Msg("job canceled")
	return uc.ledger.Refund(ctx, id)
}

// Stats is the aggregate capacity view.
func (uc *QueueUC) Stats(ctx context.Context) (*model.QueueStats, error) {
	pending, processing, err := uc.queue.Stats(ctx, nil)
	if err != nil {
		return nil, err
	}
	avg, err := uc.queue.AverageProcessingTime(ctx, nil)
	if err != nil {
		return nil, err
	}
	if avg <= 0 {
		avg = DefaultProcessingTime
	}
	metrics.SetQueueDepth(pending, processing)
	return &model.QueueStats{
		PendingCount:      pending,
		ProcessingCount:   processing,
		EstimatedWaitTime: time.Duration(pending) * avg,
	}, nil
}

func (uc *QueueUC) position(ctx context.Context, item *model.QueueItem) (model.QueuePosition, error) {
	ahead, err := uc.queue.CountAhead(ctx, nil, item)
	if err != nil {
		return model.QueuePosition{}, err
	}
	avg, err := uc.queue.AverageProcessingTime(ctx, nil)
	if err != nil {
		return model.QueuePosition{}, err
	}
	if avg <= 0 {
		avg = DefaultProcessingTime
	}
	return model.QueuePosition{
		Position:          ahead,
		ItemsAhead:        ahead,
		EstimatedWaitTime: time.Duration(ahead) * avg,
	}, nil
}
