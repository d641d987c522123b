package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/api"
)

func testChatRequest(model string) *api.ChatRequest {
	return &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "user", Content: "hello"},
		},
	}
}

// collectFrames drains a stream channel with a safety timeout so a broken
// producer fails the test instead of hanging it.
func collectFrames(t *testing.T, ch <-chan []byte) []string {
	t.Helper()
	var frames []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, open := <-ch:
			if !open {
				return frames
			}
			frames = append(frames, string(frame))
		case <-timeout:
			t.Fatal("timed out waiting for stream frames")
		}
	}
}

func TestOpenAIChatCompletionPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o", payload["model"])
		_, hasStream := payload["stream"]
		assert.False(t, hasStream, "non-streaming request must not set stream")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-123","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{
		Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test", Models: []string{"gpt-4o"},
	})

	body, err := p.ChatCompletion(context.Background(), testChatRequest("gpt-4o"))
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "chatcmpl-123", resp["id"])
}

func TestOpenAIChatCompletionUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test"})

	_, err := p.ChatCompletion(context.Background(), testChatRequest("gpt-4o"))
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)
	assert.Contains(t, upstreamErr.Body, "slow down")
}

func TestOpenAIChatCompletionNonJSONBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway timeout</html>"))
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test"})

	_, err := p.ChatCompletion(context.Background(), testChatRequest("gpt-4o"))
	assert.ErrorContains(t, err, "non-JSON")
}

func TestOpenAIStreamDropsGarbageLines(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		// Two good frames, one garbage line, one partial JSON line.
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "this line is not sse at all\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"cho\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test"})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("gpt-4o"))
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 3, "two content frames plus the terminal frame")
	assert.Contains(t, frames[0], `"a"`)
	assert.Contains(t, frames[1], `"b"`)
	assert.Equal(t, "data: [DONE]\n\n", frames[2])
}

func TestOpenAIStreamUpstreamStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test"})

	_, err := p.ChatCompletionStream(context.Background(), testChatRequest("gpt-4o"))
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.StatusCode)
}

func TestNormalizeChunkSynthesizesChoices(t *testing.T) {
	p := NewOpenAICompat(Options{Name: "openai"})

	chunk := map[string]any{"id": "c1"}
	normalized := p.normalizeChunk(chunk)
	require.NotNil(t, normalized)

	choices, ok := normalized["choices"].([]any)
	require.True(t, ok)
	require.Len(t, choices, 1)
	assert.Equal(t, "unknown", normalized["model"])
	assert.NotZero(t, normalized["created"])
}

func TestNormalizeChunkDeltaOnly(t *testing.T) {
	p := NewOpenAICompat(Options{Name: "sonar", DeltaOnly: true})

	t.Run("collapses to single delta choice", func(t *testing.T) {
		chunk := map[string]any{
			"id": "c1",
			"choices": []any{
				map[string]any{
					"index":         float64(2),
					"delta":         map[string]any{"content": "x"},
					"finish_reason": nil,
				},
			},
		}
		normalized := p.normalizeChunk(chunk)
		require.NotNil(t, normalized)

		choices := normalized["choices"].([]any)
		require.Len(t, choices, 1)
		choice := choices[0].(map[string]any)
		assert.Equal(t, 0, choice["index"])
		assert.Equal(t, map[string]any{"content": "x"}, choice["delta"])
	})

	t.Run("suppresses chunks without a delta", func(t *testing.T) {
		chunk := map[string]any{
			"id":      "c1",
			"choices": []any{map[string]any{"index": float64(0)}},
		}
		assert.Nil(t, p.normalizeChunk(chunk))
	})

	t.Run("suppresses empty choices", func(t *testing.T) {
		chunk := map[string]any{"id": "c1", "choices": []any{}}
		assert.Nil(t, p.normalizeChunk(chunk))
	})
}

func TestOpenAIStreamMergesExtraFields(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "medium", payload["search_context_size"])
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{
		Name:    "sonar",
		BaseURL: upstream.URL,
		APIKey:  "sk-test",
		Extra:   map[string]any{"search_context_size": "medium"},
	})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("sonar"))
	require.NoError(t, err)
	frames := collectFrames(t, ch)
	require.Len(t, frames, 1)
	assert.Equal(t, "data: [DONE]\n\n", frames[0])
}

func TestErrorFrameShape(t *testing.T) {
	frame := errorFrame("openai", "gpt-4o", fmt.Errorf("connection reset"))
	require.True(t, strings.HasPrefix(string(frame), "data: "))

	var chunk api.ChatCompletionChunk
	payload := strings.TrimSuffix(strings.TrimPrefix(string(frame), "data: "), "\n\n")
	require.NoError(t, json.Unmarshal([]byte(payload), &chunk))

	require.Len(t, chunk.Choices, 1)
	assert.Contains(t, chunk.Choices[0].Delta.Content, "connection reset")
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
}

func TestOpenAIStreamMidStreamFailure(t *testing.T) {
	// Declare more bytes than are written: the client's read fails with an
	// unexpected EOF after the first frame, as if the upstream died.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Length", "4096")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
	}))
	defer upstream.Close()

	p := NewOpenAICompat(Options{Name: "openai", BaseURL: upstream.URL, APIKey: "sk-test"})

	ch, err := p.ChatCompletionStream(context.Background(), testChatRequest("gpt-4o"))
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.GreaterOrEqual(t, len(frames), 2, "a dying stream still ends cleanly")

	errFrame := frames[len(frames)-2]
	var chunk api.ChatCompletionChunk
	require.NoError(t, unmarshalFrame(t, errFrame, &chunk))
	require.Len(t, chunk.Choices, 1)
	assert.Contains(t, chunk.Choices[0].Delta.Content, "Error: openai:")
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)

	assert.Equal(t, "data: [DONE]\n\n", frames[len(frames)-1])
}
