// Package provider contains the adapters that translate between the
// gateway's OpenAI-compatible contract and each upstream LLM provider's
// native wire format, for both complete and streaming responses.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelgate/modelgate/internal/api"
)

// Provider is the closed capability set every upstream adapter implements.
// Adapters are selected at configuration-load time; the router never
// inspects the concrete type at runtime.
type Provider interface {
	// Name returns the configured provider identity, used in logs and
	// upstream error messages.
	Name() string

	// Models returns the model identifiers this provider serves.
	Models() []string

	// ChatCompletion performs a non-streaming completion and returns the
	// response already shaped for the caller (OpenAI-compatible JSON).
	ChatCompletion(ctx context.Context, req *api.ChatRequest) (json.RawMessage, error)

	// ChatCompletionStream performs a streaming completion. The returned
	// channel delivers fully serialized server-sent-event frames
	// ("data: <json>\n\n") in upstream order, ends with the terminal
	// "data: [DONE]\n\n" frame, and is closed afterwards. A transport
	// failure mid-stream is converted into an inline error frame followed
	// by the terminal frame, so consumers reading until the terminal
	// marker never hang.
	ChatCompletionStream(ctx context.Context, req *api.ChatRequest) (<-chan []byte, error)
}

// UpstreamError carries a non-success upstream status and body back to the
// caller for non-streaming requests.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Options holds the configuration common to all adapter constructors.
type Options struct {
	Name    string
	BaseURL string
	APIKey  string
	Models  []string
	// Extra is merged into every outbound payload after the caller fields,
	// so configured values win on conflict.
	Extra map[string]any
	// DeltaOnly enables the stricter chunk normalization of the
	// OpenAI-compatible adapter. Ignored by the Anthropic adapter.
	DeltaOnly bool
	// Client is the outbound HTTP client. Its timeout bounds every
	// upstream call; a nil client falls back to http.DefaultClient.
	Client *http.Client
}

func (o *Options) httpClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

// emit sends a frame unless the caller has gone away. It reports false when
// the context is done, signaling the producer to stop promptly.
func emit(ctx context.Context, ch chan<- []byte, frame []byte) bool {
	select {
	case ch <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// mergeExtra applies provider-configured extra fields on top of the caller
// payload. Merge order is fixed: caller fields first, extras last, so the
// provider configuration overrides what the caller sent.
func mergeExtra(payload, extra map[string]any) {
	for k, v := range extra {
		payload[k] = v
	}
}
