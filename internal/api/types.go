// Package api provides the OpenAI-compatible wire types shared between the
// server, the provider adapters, and the monitor bridge.
package api

import "time"

func nowUnix() int64 { return time.Now().Unix() }

// Message is a single role/content pair in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound body of a chat completion request.
// Stream is a pointer so that an absent flag can be distinguished from an
// explicit false; the gateway defaults to non-streaming when it is absent.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      *bool     `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

// Streaming reports whether the caller explicitly requested a streaming
// response. An absent stream flag means non-streaming.
func (r *ChatRequest) Streaming() bool {
	return r.Stream != nil && *r.Stream
}

// Payload converts the request into the generic JSON object sent to
// OpenAI-compatible upstreams. Optional fields are omitted when unset.
func (r *ChatRequest) Payload() map[string]any {
	payload := map[string]any{
		"model":    r.Model,
		"messages": r.Messages,
	}
	if r.MaxTokens > 0 {
		payload["max_tokens"] = r.MaxTokens
	}
	if r.Temperature != nil {
		payload["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		payload["top_p"] = *r.TopP
	}
	return payload
}

// ChatCompletion is a complete (non-streaming) chat completion response.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage holds the token accounting reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one normalized frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice inside a streaming chunk. FinishReason is nil on
// every frame except the one carrying the mapped stop reason.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message payload of a streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse is the JSON body returned for request-scoped failures.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single error condition.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ObjectChatCompletion and ObjectChatCompletionChunk are the object markers
// used by the OpenAI chat completion schema.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// NewChunk builds a single-choice streaming chunk stamped with the current
// time. finishReason is nil on all frames except the closing one.
func NewChunk(id, model string, delta Delta, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: nowUnix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}
