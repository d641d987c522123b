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

// anthropicVersion pins the upstream Messages API behavior. The header is
// mandatory on every request.
const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens is applied when the caller omits max_tokens;
// the upstream rejects requests without it.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider translates between the OpenAI-compatible contract and
// the Anthropic Messages API: system messages are lifted into a dedicated
// top-level field on the way in, and content blocks, stop reasons, and
// usage counters are mapped back on the way out.
type AnthropicProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	extra   map[string]any
	client  *http.Client
}

// NewAnthropic creates an adapter for an Anthropic-style upstream.
func NewAnthropic(opts Options) *AnthropicProvider {
	return &AnthropicProvider{
		name:    opts.Name,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		models:  opts.Models,
		extra:   opts.Extra,
		client:  opts.httpClient(),
	}
}

// Name returns the configured provider identity.
func (p *AnthropicProvider) Name() string { return p.name }

// Models returns the model identifiers this provider serves.
func (p *AnthropicProvider) Models() []string { return p.models }

// anthropicResponse is the native non-streaming response shape.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one piece of a native response; only blocks of
// type "text" contribute to the translated message.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is the union of the named streaming event payloads.
// Each payload carries a "type" matching the SSE event name; irrelevant
// fields stay zero-valued.
type anthropicStreamEvent struct {
	Type  string               `json:"type"`
	Delta *anthropicEventDelta `json:"delta,omitempty"`
}

// anthropicEventDelta carries a text increment on content_block_delta
// events and a stop reason on message_delta events.
type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// mapStopReason maps the upstream stop-reason vocabulary onto the standard
// finish reasons.
func mapStopReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return "stop"
	}
}

// buildPayload translates an OpenAI-shaped request into the native shape.
// The first system message is lifted into the top-level system field, the
// remaining messages keep role and content, max_tokens always has a value,
// and configured extras are merged last so they can override defaults.
func (p *AnthropicProvider) buildPayload(req *api.ChatRequest, stream bool) map[string]any {
	var system string
	messages := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system == "" {
				system = msg.Content
			}
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if stream {
		payload["stream"] = true
	}

	mergeExtra(payload, p.extra)

	return payload
}

func (p *AnthropicProvider) newRequest(ctx context.Context, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return httpReq, nil
}

// ChatCompletion performs a non-streaming completion and translates the
// native response back: all text-typed content blocks are concatenated into
// a single assistant message, the stop reason is mapped, and usage totals
// are synthesized from the native input/output token counts.
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *api.ChatRequest) (json.RawMessage, error) {
	httpReq, err := p.newRequest(ctx, p.buildPayload(req, false))
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

	var native anthropicResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("failed to parse response from provider %s: %w", p.name, err)
	}

	var content strings.Builder
	for _, block := range native.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	id := native.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	completion := api.ChatCompletion{
		ID:      id,
		Object:  api.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      api.Message{Role: "assistant", Content: content.String()},
			FinishReason: mapStopReason(native.StopReason),
		}},
		Usage: api.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
	}

	out, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion: %w", err)
	}

	return out, nil
}

// ChatCompletionStream opens a native streaming completion and translates
// the named SSE events into normalized frames:
//
//	message_start       → opening frame with an empty assistant delta
//	content_block_delta → frame carrying the text increment
//	message_delta       → frame with an empty delta and the mapped finish reason
//	message_stop        → terminal [DONE] frame
//
// "event:" lines set the type context for the following "data:" line; when
// the upstream omits them the payload's own type field is used instead.
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *api.ChatRequest) (<-chan []byte, error) {
	httpReq, err := p.newRequest(ctx, p.buildPayload(req, true))
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

		// One message id spans all frames of the stream.
		id := "chatcmpl-" + uuid.NewString()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var eventType string
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event:") {
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			typ := eventType
			if typ == "" {
				typ = event.Type
			}

			switch typ {
			case "message_start":
				frame, err := api.SSEFrame(api.NewChunk(id, req.Model, api.Delta{Role: "assistant"}, nil))
				if err != nil {
					continue
				}
				if !emit(ctx, ch, frame) {
					return
				}

			case "content_block_delta":
				if event.Delta == nil || event.Delta.Type != "text_delta" {
					continue
				}
				frame, err := api.SSEFrame(api.NewChunk(id, req.Model, api.Delta{Content: event.Delta.Text}, nil))
				if err != nil {
					continue
				}
				if !emit(ctx, ch, frame) {
					return
				}

			case "message_delta":
				if event.Delta == nil || event.Delta.StopReason == "" {
					continue
				}
				finish := mapStopReason(event.Delta.StopReason)
				frame, err := api.SSEFrame(api.NewChunk(id, req.Model, api.Delta{}, &finish))
				if err != nil {
					continue
				}
				if !emit(ctx, ch, frame) {
					return
				}

			case "message_stop":
				emit(ctx, ch, api.DoneFrame())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if emit(ctx, ch, errorFrame(p.name, req.Model, err)) {
				emit(ctx, ch, api.DoneFrame())
			}
		}
	}()

	return ch, nil
}
