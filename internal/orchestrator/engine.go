// Package orchestrator drives one generation: it builds the conversation for
// the model, streams the reply, and runs any requested tool calls through the
// plugin registry before asking the model to continue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/provider"
	"github.com/fablehost/fable/internal/storage"
	"github.com/fablehost/fable/internal/telemetry"
)

// maxTurns bounds the model→tools→model loop for a single generation. When a
// model keeps requesting tools past this, the stream ends cleanly instead of
// looping forever.
const maxTurns = 5

// ToolBackend is the slice of the plugin registry the engine needs.
type ToolBackend interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Tools() []chat.Tool
}

type EventType int

const (
	EventContent EventType = iota
	EventToolCalls
	EventToolResult
	EventDone
	EventError
)

// ToolResult is the outcome of one tool call, keyed by the call id the model
// assigned. Exactly one of Result and Error is set.
type ToolResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is one item of generation output, in stream order.
type Event struct {
	Type       EventType
	Content    string
	ToolCalls  []chat.ToolCall
	ToolResult *ToolResult
	Err        error
}

// Request describes one generation. Regenerate re-rolls the assistant message
// identified by MessageID: the conversation is cut immediately before it and
// the new text lands as an alternative on that message.
type Request struct {
	ChatID          uuid.UUID
	Model           string
	APIKey          string
	APIBase         string
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string
	Regenerate      bool
	MessageID       uuid.UUID
}

type Engine struct {
	store   storage.Store
	plugins ToolBackend
	logger  *log.Logger
	metrics *telemetry.Metrics

	// newClient is swapped out by tests to script provider streams.
	newClient func(apiKey, apiBase string) provider.Client
}

func NewEngine(store storage.Store, plugins ToolBackend, logger *log.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:   store,
		plugins: plugins,
		logger:  logger,
		metrics: metrics,
		newClient: func(apiKey, apiBase string) provider.Client {
			return provider.NewOpenAIClient(apiKey, apiBase)
		},
	}
}

// Generate runs the full loop for one request, invoking emit for every event
// in order. It returns the error it already emitted, so callers can choose
// either channel.
func (e *Engine) Generate(ctx context.Context, req Request, emit func(Event)) error {
	e.metrics.GenerateRequests.Add(1)
	e.metrics.ActiveStreams.Add(1)
	defer e.metrics.ActiveStreams.Add(-1)

	conversation, err := e.buildConversation(ctx, req)
	if err != nil {
		emit(Event{Type: EventError, Err: err})
		return err
	}

	client := e.newClient(req.APIKey, req.APIBase)
	tools := e.plugins.Tools()

	for turn := 0; turn < maxTurns; turn++ {
		text, calls, err := e.streamTurn(ctx, client, provider.ChatRequest{
			Model:           req.Model,
			Messages:        conversation,
			Tools:           tools,
			Temperature:     req.Temperature,
			MaxTokens:       req.MaxTokens,
			ReasoningEffort: req.ReasoningEffort,
		}, emit)
		if err != nil {
			e.metrics.ProviderErrors.Add(1)
			emit(Event{Type: EventError, Err: err})
			return err
		}

		if len(calls) == 0 {
			if err := e.persistFinal(ctx, req, text); err != nil {
				emit(Event{Type: EventError, Err: err})
				return err
			}
			emit(Event{Type: EventDone})
			return nil
		}

		assistant := chat.NewMessage(chat.RoleAssistant, text)
		assistant.ToolCalls = calls
		if err := e.store.AppendMessage(ctx, req.ChatID, assistant); err != nil {
			emit(Event{Type: EventError, Err: err})
			return err
		}
		e.metrics.MessagesPersisted.Add(1)
		emit(Event{Type: EventToolCalls, ToolCalls: calls})

		conversation = append(conversation, provider.Message{
			Role:      chat.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		for _, call := range calls {
			result := e.runTool(ctx, call)
			payload, err := json.Marshal(result)
			if err != nil {
				emit(Event{Type: EventError, Err: err})
				return err
			}
			toolMsg := chat.NewMessage(chat.RoleTool, string(payload))
			toolMsg.ToolCallID = call.ID
			if err := e.store.AppendMessage(ctx, req.ChatID, toolMsg); err != nil {
				emit(Event{Type: EventError, Err: err})
				return err
			}
			e.metrics.MessagesPersisted.Add(1)
			emit(Event{Type: EventToolResult, ToolResult: &result})
			conversation = append(conversation, provider.Message{
				Role:       chat.RoleTool,
				Content:    string(payload),
				ToolCallID: call.ID,
			})
		}
	}

	e.logger.Printf("warn: chat %s: tool loop limit reached after %d turns", req.ChatID, maxTurns)
	emit(Event{Type: EventDone})
	return nil
}

// streamTurn consumes one provider stream: text deltas are emitted as they
// arrive, tool-call fragments are assembled by stream index and returned
// whole.
func (e *Engine) streamTurn(ctx context.Context, client provider.Client, req provider.ChatRequest, emit func(Event)) (string, []chat.ToolCall, error) {
	e.metrics.ProviderCalls.Add(1)
	deltas, errs := client.StreamChat(ctx, req)

	var text strings.Builder
	pending := map[int]*callFragment{}
	for delta := range deltas {
		if delta.Content != "" {
			text.WriteString(delta.Content)
			emit(Event{Type: EventContent, Content: delta.Content})
		}
		for _, fragment := range delta.ToolCalls {
			slot := pending[fragment.Index]
			if slot == nil {
				slot = &callFragment{}
				pending[fragment.Index] = slot
			}
			// All three fields arrive in pieces; each is the concatenation of
			// its fragments, the id included.
			slot.id += fragment.ID
			slot.name += fragment.Name
			slot.args.WriteString(fragment.Arguments)
		}
	}
	if err := <-errs; err != nil {
		return "", nil, err
	}

	indices := make([]int, 0, len(pending))
	for idx := range pending {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	calls := make([]chat.ToolCall, 0, len(indices))
	for _, idx := range indices {
		slot := pending[idx]
		calls = append(calls, chat.ToolCall{
			ID:   slot.id,
			Type: "function",
			Function: chat.FunctionCall{
				Name:      slot.name,
				Arguments: slot.args.String(),
			},
		})
	}
	return text.String(), calls, nil
}

type callFragment struct {
	id   string
	name string
	args strings.Builder
}

func (e *Engine) runTool(ctx context.Context, call chat.ToolCall) ToolResult {
	args := json.RawMessage(call.Function.Arguments)
	if strings.TrimSpace(call.Function.Arguments) == "" {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		// Bad arguments from the model are surfaced to the model as a tool
		// error, not to the user: the next turn usually self-corrects.
		e.metrics.ToolErrors.Add(1)
		return ToolResult{ID: call.ID, Error: fmt.Sprintf("invalid tool arguments for %s: not valid JSON", call.Function.Name)}
	}

	result, err := e.plugins.CallTool(ctx, call.Function.Name, args)
	if err != nil {
		return ToolResult{ID: call.ID, Error: err.Error()}
	}
	return ToolResult{ID: call.ID, Result: result}
}

func (e *Engine) persistFinal(ctx context.Context, req Request, text string) error {
	if req.Regenerate {
		if err := e.store.AppendAlternative(ctx, req.ChatID, req.MessageID, text); err != nil {
			return err
		}
	} else {
		if err := e.store.AppendMessage(ctx, req.ChatID, chat.NewMessage(chat.RoleAssistant, text)); err != nil {
			return err
		}
	}
	e.metrics.MessagesPersisted.Add(1)
	return nil
}

// buildConversation turns the stored chat into provider messages: an optional
// character system prompt, then every prior turn with its active content. On
// regenerate the history is cut just before the target message.
func (e *Engine) buildConversation(ctx context.Context, req Request) ([]provider.Message, error) {
	stored, err := e.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	conversation := make([]provider.Message, 0, len(stored.Messages)+1)
	if stored.CharacterID != uuid.Nil {
		character, err := e.store.GetCharacter(ctx, stored.CharacterID)
		if err != nil {
			return nil, err
		}
		conversation = append(conversation, provider.Message{
			Role:    chat.RoleSystem,
			Content: systemPrompt(character),
		})
	}

	for _, msg := range stored.Messages {
		if req.Regenerate && msg.ID == req.MessageID {
			if msg.Role != chat.RoleAssistant {
				return nil, fmt.Errorf("message %s is not an assistant message", req.MessageID)
			}
			return conversation, nil
		}
		out := provider.Message{Role: msg.Role, Content: msg.ActiveContent()}
		if msg.Role == chat.RoleAssistant {
			out.ToolCalls = msg.ToolCalls
		}
		if msg.Role == chat.RoleTool {
			out.ToolCallID = msg.ToolCallID
		}
		conversation = append(conversation, out)
	}
	if req.Regenerate {
		return nil, fmt.Errorf("message %s: %w", req.MessageID, storage.ErrNotFound)
	}
	return conversation, nil
}

func systemPrompt(c chat.Character) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", c.Name)
	if c.Description != "" {
		b.WriteString("\n" + c.Description)
	}
	if c.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s", c.Personality)
	}
	if c.Scenario != "" {
		fmt.Fprintf(&b, "\nScenario: %s", c.Scenario)
	}
	if c.ExampleMessages != "" {
		fmt.Fprintf(&b, "\nExample messages:\n%s", c.ExampleMessages)
	}
	return b.String()
}
