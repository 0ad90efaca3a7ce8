// Package provider talks to OpenAI-compatible completion APIs and streams
// incremental deltas back to the orchestrator.
package provider

import (
	"context"

	"github.com/fablehost/fable/internal/chat"
)

type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []chat.ToolCall `json:"tool_calls,omitempty"`
}

type ChatRequest struct {
	Model           string
	Messages        []Message
	Tools           []chat.Tool
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string
}

// ToolCallDelta is one streamed fragment of a tool call. Index identifies the
// call being assembled; id, name and arguments arrive as concatenable pieces
// across chunks.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamDelta is one increment of model output: text, tool-call fragments, or
// both.
type StreamDelta struct {
	Content   string
	ToolCalls []ToolCallDelta
}

// Client streams one completion. The delta channel closes at stream end; the
// error channel delivers at most one terminal error.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamDelta, <-chan error)
}
