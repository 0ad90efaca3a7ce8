package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fablehost/fable/internal/chat"
)

const DefaultAPIBase = "https://openrouter.ai/api/v1"

type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultAPIBase
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: trimmed,
		client: &http.Client{
			// No overall timeout: a tool-heavy generation can stream for a
			// long time. Cancellation comes from ctx.
			Timeout: 0,
		},
	}
}

func (c *OpenAIClient) StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamDelta, <-chan error) {
	deltas := make(chan StreamDelta)
	errs := make(chan error, 1)

	payload := map[string]any{
		"model":       req.Model,
		"messages":    toWireMessages(req.Messages),
		"stream":      true,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = toWireTools(req.Tools)
		payload["tool_choice"] = "auto"
	}
	if effort := normalizeEffort(req.ReasoningEffort); effort != "" {
		payload["reasoning_effort"] = effort
	}

	body, err := json.Marshal(payload)
	if err != nil {
		close(deltas)
		errs <- err
		close(errs)
		return deltas, errs
	}

	go func() {
		defer close(deltas)
		defer close(errs)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			var detail map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&detail)
			errs <- fmt.Errorf("provider http %d: %v", resp.StatusCode, detail)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}
			delta, ok := parseChunk([]byte(data))
			if !ok {
				continue
			}
			select {
			case deltas <- delta:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return deltas, errs
}

func parseChunk(data []byte) (StreamDelta, bool) {
	var chunk wireChunk
	if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
		return StreamDelta{}, false
	}
	wire := chunk.Choices[0].Delta
	delta := StreamDelta{Content: wire.Content}
	for _, tc := range wire.ToolCalls {
		delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if delta.Content == "" && len(delta.ToolCalls) == 0 {
		return StreamDelta{}, false
	}
	return delta, true
}

func normalizeEffort(effort string) string {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "low", "medium", "high", "none":
		return strings.ToLower(strings.TrimSpace(effort))
	case "":
		return ""
	default:
		return "medium"
	}
}

func toWireMessages(in []Message) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, msg := range in {
		rec := map[string]any{"role": msg.Role, "content": msg.Content}
		if msg.ToolCallID != "" {
			rec["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			tcs := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				tcs = append(tcs, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				})
			}
			rec["tool_calls"] = tcs
		}
		out = append(out, rec)
	}
	return out
}

func toWireTools(in []chat.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, tool := range in {
		fn := map[string]any{"name": tool.Name}
		if tool.Description != "" {
			fn["description"] = tool.Description
		}
		if len(tool.Parameters) > 0 {
			fn["parameters"] = json.RawMessage(tool.Parameters)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}
