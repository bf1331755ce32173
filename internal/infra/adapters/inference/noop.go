package inference

import (
	"context"
	"encoding/json"
	"time"

	"tryon-pipeline/internal/domain/ports/adapter"
)

// NoopAdapter returns a canned result after a short delay. Used in dev mode
// so the full pipeline can be exercised without the inference service.
type NoopAdapter struct {
	Delay time.Duration
}

var _ adapter.TryOnAdapter = (*NoopAdapter)(nil)

func (n *NoopAdapter) ResolveCapabilities(ctx context.Context) (adapter.Capabilities, error) {
	return adapter.Capabilities{SupportsMode: true}, nil
}

func (n *NoopAdapter) Generate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	delay := n.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	return json.RawMessage(`{"results":[],"note":"noop adapter"}`), nil
}
