package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/api"
)

// OpenAICompatProvider forwards requests to upstreams that already speak the
// OpenAI chat-completion wire format. The inbound payload passes through
// almost unchanged; the adapter only merges the configured extra fields and
// normalizes streaming chunks on the way back.
type OpenAICompatProvider struct {
	name      string
	baseURL   string
	apiKey    string
	models    []string
	extra     map[string]any
	deltaOnly bool
	client    *http.Client
}

// NewOpenAICompat creates an adapter for an OpenAI-compatible upstream.
func NewOpenAICompat(opts Options) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:      opts.Name,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		models:    opts.Models,
		extra:     opts.Extra,
		deltaOnly: opts.DeltaOnly,
		client:    opts.httpClient(),
	}
}

// Name returns the configured provider identity.
func (p *OpenAICompatProvider) Name() string { return p.name }

// Models returns the model identifiers this provider serves.
func (p *OpenAICompatProvider) Models() []string { return p.models }

func (p *OpenAICompatProvider) newRequest(ctx context.Context, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	return req, nil
}

// ChatCompletion forwards a non-streaming request and returns the upstream
// body, which is expected to already be OpenAI-shaped. A non-2xx status is
// surfaced as an UpstreamError carrying the upstream status and body text.
func (p *OpenAICompatProvider) ChatCompletion(ctx context.Context, req *api.ChatRequest) (json.RawMessage, error) {
	payload := req.Payload()
	mergeExtra(payload, p.extra)

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to provider %s failed: %w", p.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from provider %s: %w", p.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("provider %s returned a non-JSON body", p.name)
	}

	return json.RawMessage(body), nil
}

// ChatCompletionStream opens a streaming completion and normalizes the
// upstream's data frames. Lines that fail to parse are dropped silently:
// upstream SSE streams are observed to contain partial or garbled lines,
// and one bad line must not abort the stream.
func (p *OpenAICompatProvider) ChatCompletionStream(ctx context.Context, req *api.ChatRequest) (<-chan []byte, error) {
	payload := req.Payload()
	payload["stream"] = true
	mergeExtra(payload, p.extra)

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to provider %s failed: %w", p.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &UpstreamError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	ch := make(chan []byte)

	go func() {
		defer close(ch)
		defer func() {
			_ = resp.Body.Close()
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				emit(ctx, ch, api.DoneFrame())
				return
			}

			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			normalized := p.normalizeChunk(chunk)
			if normalized == nil {
				continue
			}

			frame, err := api.SSEFrame(normalized)
			if err != nil {
				continue
			}
			if !emit(ctx, ch, frame) {
				return
			}
		}

		// A read failure mid-stream still yields a clean end: one error
		// frame followed by the terminal marker.
		if err := scanner.Err(); err != nil {
			if emit(ctx, ch, errorFrame(p.name, req.Model, err)) {
				emit(ctx, ch, api.DoneFrame())
			}
		}
	}()

	return ch, nil
}

// normalizeChunk brings one upstream chunk into the normalized shape:
// a choices array always exists, created is stamped with the current time,
// and model defaults to "unknown". In delta-only mode a bare delta choice
// is collapsed into a single well-formed {index: 0, delta} choice and any
// chunk that cannot be normalized is suppressed (nil return).
func (p *OpenAICompatProvider) normalizeChunk(chunk map[string]any) map[string]any {
	if _, ok := chunk["choices"]; !ok {
		chunk["choices"] = []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": ""}},
		}
	} else if p.deltaOnly {
		choices, _ := chunk["choices"].([]any)
		var delta map[string]any
		if len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				delta, _ = choice["delta"].(map[string]any)
			}
		}
		if len(delta) == 0 {
			return nil
		}
		chunk["choices"] = []any{map[string]any{"index": 0, "delta": delta}}
	}

	chunk["created"] = time.Now().Unix()
	if _, ok := chunk["model"]; !ok {
		chunk["model"] = "unknown"
	}

	return chunk
}

// errorFrame builds the inline error frame emitted before the terminal
// marker when a stream dies mid-flight.
func errorFrame(providerName, model string, err error) []byte {
	stop := "stop"
	chunk := api.NewChunk("chatcmpl-"+uuid.NewString(), model,
		api.Delta{Content: fmt.Sprintf("Error: %s: %v", providerName, err)}, &stop)
	frame, marshalErr := api.SSEFrame(chunk)
	if marshalErr != nil {
		return api.DoneFrame()
	}
	return frame
}
