package adapter

import (
	"context"
	"encoding/json"
)

// Capabilities describes what the inference collaborator supports. Resolved
// once at startup instead of probing per call.
type Capabilities struct {
	SupportsMode bool // newer deployments accept a per-job generation mode
}

// TryOnAdapter is the port for the external virtual try-on inference service.
// The payload and result are opaque to the pipeline.
type TryOnAdapter interface {
	// ResolveCapabilities performs the one-time startup probe.
	ResolveCapabilities(ctx context.Context) (Capabilities, error)

	// Generate runs one try-on job. The context carries the caller's timeout;
	// expiry is a retryable failure like any other transient error.
	Generate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}
