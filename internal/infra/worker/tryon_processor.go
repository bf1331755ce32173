package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	"tryon-pipeline/internal/domain/model"
	"tryon-pipeline/internal/domain/ports/adapter"
	"tryon-pipeline/internal/domain/ports/repository"
	"tryon-pipeline/internal/infra/metrics"
	"tryon-pipeline/internal/usecase"
)

// failedMessage is what end users see on terminal failure; provider errors
// stay in the logs.
const failedMessage = "try-on generation failed"

// TryOnProcessor drains the queue: claims one pending item at a time, runs
// the external inference call under a timeout, and settles the outcome.
// Exclusivity of the claim lives in the queue repository; the processor only
// decides what happens after.
type TryOnProcessor struct {
	queue      repository.QueueRepository
	ledger     *usecase.LedgerUC
	tryon      adapter.TryOnAdapter
	timeout    time.Duration
	maxRetries int
	log        *zerolog.Logger
}

func NewTryOnProcessor(
	queue repository.QueueRepository,
	ledger *usecase.LedgerUC,
	tryon adapter.TryOnAdapter,
	timeout time.Duration,
	maxRetries int,
	logger *zerolog.Logger,
) *TryOnProcessor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	l := logger.With().Str("component", "TryOnProcessor").Logger()
	return &TryOnProcessor{
		queue:      queue,
		ledger:     ledger,
		tryon:      tryon,
		timeout:    timeout,
		maxRetries: maxRetries,
		log:        &l,
	}
}

// Start runs a loop to fetch and process jobs.
// This should be run in a goroutine.
func (p *TryOnProcessor) Start(ctx context.Context, pool *Pool, pollInterval time.Duration) {
	p.log.Info().Msg("try-on processor started")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("try-on processor stopping")
			return
		case <-ticker.C:
			_ = pool.Submit(func(ctx context.Context) error {
				p.ProcessOne(ctx)
				return nil
			})
		}
	}
}

// ProcessOne claims and settles a single job. Exported so tests can drive the
// processor without the polling loop.
func (p *TryOnProcessor) ProcessOne(ctx context.Context) {
	item, err := p.queue.FetchAndMarkProcessing(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			p.log.Error().Err(err).Msg("failed to fetch queue item")
		}
		return
	}

	p.log.Info().Str("job_id", item.ID).Int("retry", item.RetryCount).Msg("processing try-on job")
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	result, genErr := p.tryon.Generate(callCtx, item.Payload)
	cancel()
	latency := time.Since(start)

	if genErr == nil {
		now := time.Now()
		item.Status = model.QueueStatusCompleted
		item.ResultData = result
		item.CompletedAt = &now
		// Background context: the result must land even if we are shutting down.
		if err := p.queue.Save(context.Background(), nil, item); err != nil {
			p.log.Error().Err(err).Str("job_id", item.ID).Msg("failed to persist completed job")
			return
		}
		metrics.IncJob(string(model.QueueStatusCompleted))
		metrics.ObserveJobLatency(int(latency / time.Millisecond))
		p.log.Info().Str("job_id", item.ID).Dur("duration", latency).Msg("try-on job completed")
		return
	}

	// Timeouts are retryable like any transient provider error.
	p.log.Warn().Err(genErr).Str("job_id", item.ID).Int("retry", item.RetryCount).Msg("try-on call failed")

	if item.RetryCount < p.maxRetries {
		ok, err := p.queue.MarkPendingRetry(context.Background(), item.ID, item.RetryCount+1)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", item.ID).Msg("failed to requeue job")
			return
		}
		if ok {
			metrics.IncJob("retried")
			return
		}
		// The item is no longer in processing; whoever moved it owns the
		// settlement. Overwriting their state here would lose it.
		p.log.Warn().Str("job_id", item.ID).Msg("job left processing before requeue")
		return
	}

	now := time.Now()
	item.Status = model.QueueStatusFailed
	item.ErrorMsg = failedMessage
	item.CompletedAt = &now
	if err := p.queue.Save(context.Background(), nil, item); err != nil {
		p.log.Error().Err(err).Str("job_id", item.ID).Msg("failed to persist failed job")
		return
	}
	metrics.IncJob(string(model.QueueStatusFailed))
	metrics.ObserveJobLatency(int(latency / time.Millisecond))

	if err := p.ledger.Refund(context.Background(), item.ID); err != nil {
		// Refund is idempotent by job id; the next sweep or manual retry is safe.
		p.log.Error().Err(err).Str("job_id", item.ID).Msg("failed to refund credit for failed job")
	}
}
