package repository

import (
	"context"
	"time"

	"tryon-pipeline/internal/domain/model"
)

type QueueRepository interface {
	Save(ctx context.Context, tx Tx, item *model.QueueItem) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.QueueItem, error)

	// FetchAndMarkProcessing atomically claims the oldest pending item and
	// flips it to processing so no other worker picks it up. Returns
	// domain.ErrNotFound when the queue is empty.
	FetchAndMarkProcessing(ctx context.Context) (*model.QueueItem, error)

	// CountAhead counts pending items strictly ahead of the given item in
	// (created_at, id) order.
	CountAhead(ctx context.Context, tx Tx, item *model.QueueItem) (int, error)

	// MarkPendingRetry flips processing back to pending with the bumped retry
	// count. The update is conditional on the item still being in processing,
	// so a concurrent cancellation wins. Reports whether the flip happened.
	MarkPendingRetry(ctx context.Context, id string, retryCount int) (bool, error)

	// CancelPending flips pending to failed/canceled. Conditional on the item
	// still being pending; reports whether the flip happened.
	CancelPending(ctx context.Context, tx Tx, id string, errMsg string) (bool, error)

	Stats(ctx context.Context, tx Tx) (pending, processing int, err error)

	// AverageProcessingTime is the mean claim-to-completion wall time over the
	// most recent completed items (bounded sample). Zero when no sample exists.
	AverageProcessingTime(ctx context.Context, tx Tx) (time.Duration, error)
}
