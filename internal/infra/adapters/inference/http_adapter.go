package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tryon-pipeline/internal/domain/ports/adapter"
)

// HTTPAdapter talks to the external try-on inference service. The service is
// an opaque collaborator: payloads go out verbatim, results come back
// verbatim. Whether the newer `mode` request field may be sent is resolved
// once at startup via the capability probe instead of per-call fallback.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	caps    adapter.Capabilities
}

func NewHTTPAdapter(baseURL, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// Per-call deadlines come from the caller's context; this is only a
		// safety net against a hung transport.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

var _ adapter.TryOnAdapter = (*HTTPAdapter)(nil)

// ResolveCapabilities probes the service once. Deployments without the
// capabilities endpoint are treated as the older API surface.
func (a *HTTPAdapter) ResolveCapabilities(ctx context.Context) (adapter.Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/capabilities", nil)
	if err != nil {
		return adapter.Capabilities{}, err
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.Capabilities{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		a.caps = adapter.Capabilities{SupportsMode: false}
		return a.caps, nil
	}
	if resp.StatusCode != http.StatusOK {
		return adapter.Capabilities{}, fmt.Errorf("capability probe: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Features []string `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return adapter.Capabilities{}, fmt.Errorf("capability probe: %w", err)
	}
	for _, f := range body.Features {
		if f == "mode" {
			a.caps.SupportsMode = true
		}
	}
	return a.caps, nil
}

// Generate runs one try-on job against the service.
func (a *HTTPAdapter) Generate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body := payload
	if !a.caps.SupportsMode {
		stripped, err := stripField(payload, "mode")
		if err != nil {
			return nil, err
		}
		body = stripped
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/tryon", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return json.RawMessage(raw), nil
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// stripField removes a top-level key from a JSON object payload. Non-object
// payloads pass through untouched.
func stripField(payload json.RawMessage, field string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload, nil
	}
	if _, ok := m[field]; !ok {
		return payload, nil
	}
	delete(m, field)
	return json.Marshal(m)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
