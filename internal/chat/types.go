// Package chat holds the persisted domain model: characters, chats, messages
// and the tool-call records an assistant turn may carry.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

type Character struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Personality     string    `json:"personality"`
	Scenario        string    `json:"scenario"`
	ExampleMessages string    `json:"example_messages"`
}

type Chat struct {
	ID          uuid.UUID `json:"id"`
	CharacterID uuid.UUID `json:"character_id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one chat turn. Alternatives are regeneration variants of the
// primary content; ActiveIndex 0 selects the primary. ToolCalls is set on
// assistant turns that requested tools, ToolCallID on tool-result turns.
type Message struct {
	ID           uuid.UUID  `json:"id"`
	Role         string     `json:"role"`
	Content      string     `json:"content"`
	Alternatives []string   `json:"alternatives,omitempty"`
	ActiveIndex  int        `json:"active_index,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewMessage allocates a message with a fresh time-ordered id.
func NewMessage(role, content string) Message {
	return Message{ID: newID(), Role: role, Content: content}
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than panic in the middle of a generation turn.
		return uuid.New()
	}
	return id
}

// NewID returns a fresh time-ordered id for chats and characters.
func NewID() uuid.UUID {
	return newID()
}

// ActiveContent returns the variant selected by ActiveIndex.
func (m Message) ActiveContent() string {
	if m.ActiveIndex == 0 || len(m.Alternatives) == 0 {
		return m.Content
	}
	idx := m.ActiveIndex - 1
	if idx < 0 || idx >= len(m.Alternatives) {
		return m.Content
	}
	return m.Alternatives[idx]
}

// VariantCount is the primary content plus all alternatives.
func (m Message) VariantCount() int {
	return 1 + len(m.Alternatives)
}

// Tool is a plugin capability as presented to the model and the UI.
// Parameters is a JSON-Schema-shaped value.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// PluginManifest is the registry's view of one loaded plugin.
type PluginManifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Tools       []Tool `json:"tools"`
}
