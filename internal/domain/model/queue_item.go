package model

import (
	"encoding/json"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// MaxRetries is the number of times a job may bounce back to pending after a
// transient inference failure before it is failed terminally.
const MaxRetries = 1

// CanceledMessage is the terminal error message recorded for user-initiated
// cancellation. Cancellation reuses the failed status rather than adding a
// fifth state.
const CanceledMessage = "canceled"

// QueueItem is one unit of try-on work. Payload and result are opaque to the
// queue; the worker hands the payload to the inference collaborator verbatim
// and stores whatever comes back.
//
// Lifecycle: pending -> processing -> completed|failed, with a bounded number
// of processing -> pending retries. IDs are ULIDs, so ordering by
// (created_at, id) is stable and the id tie-break is lexicographic.
type QueueItem struct {
	ID          string
	Status      QueueStatus
	OwnerID     string
	StoreID     string
	Payload     json.RawMessage
	ResultData  json.RawMessage
	ErrorMsg    string
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (q *QueueItem) Terminal() bool {
	return q.Status == QueueStatusCompleted || q.Status == QueueStatusFailed
}

// QueuePosition is the live-computed view attached to pending items. Position
// and ItemsAhead both count the pending items strictly ahead; the distinction
// is kept for the wire format only.
type QueuePosition struct {
	Position          int
	ItemsAhead        int
	EstimatedWaitTime time.Duration
}

// QueueStats is the aggregate capacity view.
type QueueStats struct {
	PendingCount      int
	ProcessingCount   int
	EstimatedWaitTime time.Duration
}
