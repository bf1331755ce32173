package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tryon-pipeline/internal/infra/metrics"
	"tryon-pipeline/internal/usecase"
)

// ExpiryWorker periodically lapses ended subscription periods, replays
// refunds stranded by storage failures, and refreshes the queue depth gauges.
type ExpiryWorker struct {
	interval time.Duration
	ledgerUC *usecase.LedgerUC
	queueUC  *usecase.QueueUC
	log      *zerolog.Logger
}

func NewExpiryWorker(interval time.Duration, ledgerUC *usecase.LedgerUC, queueUC *usecase.QueueUC, logger *zerolog.Logger) *ExpiryWorker {
	l := logger.With().Str("component", "ExpiryWorker").Logger()
	return &ExpiryWorker{interval: interval, ledgerUC: ledgerUC, queueUC: queueUC, log: &l}
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("starting expiry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stopping expiry worker")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.ledgerUC.ExpireSubscriptions(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("expiry sweep failed")
			}
			if n > 0 {
				metrics.IncSubscriptionsExpired(n)
				w.log.Info().Int("count", n).Msg("subscriptions lapsed")
			}
			// Refunds that errored after a terminal failure are replayed here.
			settled, err := w.ledgerUC.ReconcileRefunds(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("refund reconciliation failed")
			}
			if settled > 0 {
				w.log.Info().Int("count", settled).Msg("stranded refunds settled")
			}
			// Stats updates the depth gauges as a side effect.
			if _, err := w.queueUC.Stats(ctx); err != nil {
				w.log.Error().Err(err).Msg("queue stats refresh failed")
			}
		}
	}
}
