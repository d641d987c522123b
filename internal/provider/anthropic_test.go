package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/api"
)

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "stop"},
		{"", "stop"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapStopReason(tt.in), "stop reason %q", tt.in)
	}
}

func TestAnthropicBuildPayload(t *testing.T) {
	p := NewAnthropic(Options{Name: "anthropic"})

	t.Run("lifts first system message", func(t *testing.T) {
		req := &api.ChatRequest{
			Model: "claude-sonnet-4-20250514",
			Messages: []api.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hello"},
				{Role: "system", Content: "ignored second system"},
			},
		}

		payload := p.buildPayload(req, false)
		assert.Equal(t, "be brief", payload["system"])

		messages := payload["messages"].([]api.Message)
		require.Len(t, messages, 1)
		assert.Equal(t, "user", messages[0].Role)
	})

	t.Run("defaults max_tokens", func(t *testing.T) {
		payload := p.buildPayload(testChatRequest("claude-sonnet-4-20250514"), false)
		assert.Equal(t, anthropicDefaultMaxTokens, payload["max_tokens"])
	})

	t.Run("keeps explicit max_tokens", func(t *testing.T) {
		req := testChatRequest("claude-sonnet-4-20250514")
		req.MaxTokens = 128
		payload := p.buildPayload(req, false)
		assert.Equal(t, 128, payload["max_tokens"])
	})

	t.Run("sets stream only when streaming", func(t *testing.T) {
		payload := p.buildPayload(testChatRequest("m"), true)
		assert.Equal(t, true, payload["stream"])

		payload = p.buildPayload(testChatRequest("m"), false)
		_, ok := payload["stream"]
		assert.False(t, ok)
	})

	t.Run("extras override caller fields", func(t *testing.T) {
		p := NewAnthropic(Options{Name: "anthropic", Extra: map[string]any{"max_tokens": 16}})
		payload := p.buildPayload(testChatRequest("m"), false)
		assert.Equal(t, 16, payload["max_tokens"])
	})
}

func TestAnthropicChatCompletionTranslation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "Hello"},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": ", world"}
			],
			"stop_reason": "max_tokens",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer upstream.Close()

	p := NewAnthropic(Options{Name: "anthropic", BaseURL: upstream.URL, APIKey: "sk-ant"})

	body, err := p.ChatCompletion(context.Background(), testChatRequest("claude-sonnet-4-20250514"))
	require.NoError(t, err)

	var completion api.ChatCompletion
	require.NoError(t, json.Unmarshal(body, &completion))

	assert.Equal(t, "msg_01", completion.ID)
	assert.Equal(t, api.ObjectChatCompletion, completion.Object)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "assistant", completion.Choices[0].Message.Role)
	assert.Equal(t, "Hello, world", completion.Choices[0].Message.Content)
	assert.Equal(t, "length", completion.Choices[0].FinishReason)
	assert.Equal(t, 10, completion.Usage.PromptTokens)
	assert.Equal(t, 5, completion.Usage.CompletionTokens)
	assert.Equal(t, 15, completion.Usage.TotalTokens)
}

func TestAnthropicChatCompletionUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"message":"bad request"}}`))
	}))
	defer upstream.Close()

	p := NewAnthropic(Options{Name: "anthropic", BaseURL: upstream.URL, APIKey: "sk-ant"})

	_, err := p.ChatCompletion(context.Background(), testChatRequest("claude-sonnet-4-20250514"))
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusBadRequest, upstreamErr.StatusCode)
}

func TestAnthropicStreamTranslation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_01\"}}\n\n")
		fmt.Fprint(w, "event: content_block_start\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_start\",\"index\":0}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	p := NewAnthropic(Options{Name: "anthropic", BaseURL: upstream.URL, APIKey: "sk-ant"})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("claude-sonnet-4-20250514"))
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	// Opening role frame, two content frames, finish frame, terminal frame.
	require.Len(t, frames, 5)

	var first api.ChatCompletionChunk
	require.NoError(t, unmarshalFrame(t, frames[0], &first))
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, api.ObjectChatCompletionChunk, first.Object)

	var second, third api.ChatCompletionChunk
	require.NoError(t, unmarshalFrame(t, frames[1], &second))
	require.NoError(t, unmarshalFrame(t, frames[2], &third))
	assert.Equal(t, "Hel", second.Choices[0].Delta.Content)
	assert.Equal(t, "lo", third.Choices[0].Delta.Content)
	assert.Equal(t, first.ID, second.ID, "one id spans the whole stream")

	var finish api.ChatCompletionChunk
	require.NoError(t, unmarshalFrame(t, frames[3], &finish))
	require.NotNil(t, finish.Choices[0].FinishReason)
	assert.Equal(t, "stop", *finish.Choices[0].FinishReason)

	assert.Equal(t, "data: [DONE]\n\n", frames[4])
}

func TestAnthropicStreamWithoutEventLines(t *testing.T) {
	// Some proxies strip the "event:" lines; the payload's own type field
	// must carry the stream.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	p := NewAnthropic(Options{Name: "anthropic", BaseURL: upstream.URL, APIKey: "sk-ant"})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("claude-sonnet-4-20250514"))
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"hi"`)
	assert.Equal(t, "data: [DONE]\n\n", frames[1])
}

func unmarshalFrame(t *testing.T, frame string, v any) error {
	t.Helper()
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	return json.Unmarshal([]byte(payload), v)
}

func TestAnthropicStreamMidStreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Length", "4096")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n")
	}))
	defer upstream.Close()

	p := NewAnthropic(Options{Name: "anthropic", BaseURL: upstream.URL, APIKey: "sk-ant"})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("claude-sonnet-4-20250514"))
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Contains(t, frames[0], `"hi"`)

	var chunk api.ChatCompletionChunk
	require.NoError(t, unmarshalFrame(t, frames[len(frames)-2], &chunk))
	assert.Contains(t, chunk.Choices[0].Delta.Content, "Error: anthropic:")

	assert.Equal(t, "data: [DONE]\n\n", frames[len(frames)-1])
}
