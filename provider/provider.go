// Package provider defines the contract between the agent core and chat-model
// backends. The core consumes a stream of typed deltas (text and tool calls)
// and never depends on a concrete vendor; adapters live outside this module.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on the last chunk of a stream.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
	FinishCanceled  = "cancelled"
)

// Message is one entry of the model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Tool invocations (for assistant messages that call tools)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool result (for tool role messages)
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	Timestamp time.Time      `json:"timestamp,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult carries a tool execution result back to the model.
type ToolResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// ToolDef describes a tool advertised to the model.
type ToolDef struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Params are the sampling parameters for one request.
type Params struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	Seed        *int    `json:"seed,omitempty"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	System   string         `json:"system"`
	Messages []Message      `json:"messages"`
	Tools    []ToolDef      `json:"tools,omitempty"`
	Params   Params         `json:"params"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StreamChunk is one delta from the model stream.
type StreamChunk struct {
	// Delta is the new text in this chunk.
	Delta string `json:"delta"`

	// Content is the accumulated text so far.
	Content string `json:"content"`

	// ToolCalls contains complete tool calls requested by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// FinishReason is nil until the stream is complete.
	FinishReason *string `json:"finish_reason,omitempty"`

	// Error is set if the stream failed mid-flight.
	Error error `json:"-"`
}

// Provider is the chat-model backend contract. ChatStream returns a channel
// that is closed after the final chunk; the final chunk carries a non-nil
// FinishReason or an Error.
type Provider interface {
	ID() string
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
	Close() error
}

// FinishPtr returns a pointer to a finish reason constant.
func FinishPtr(reason string) *string {
	return &reason
}
