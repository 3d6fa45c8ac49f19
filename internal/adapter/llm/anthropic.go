package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*AnthropicProvider)(nil)
	_ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider speaks the Anthropic Messages API. The API requires
// max_tokens, so requests without one get the configured default.
type AnthropicProvider struct {
	httpBackend
	maxTokens int
	version   string
}

func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		httpBackend: newHTTPBackend(cfg, "https://api.anthropic.com", logger),
		maxTokens:   maxTokens,
		version:     defaultAnthropicVersion,
	}
}

// WithAPIKey returns a copy of p that authenticates with key.
func (p *AnthropicProvider) WithAPIKey(key string) *AnthropicProvider {
	cp := *p
	cp.apiKey = key
	return &cp
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{"x-api-key": p.apiKey, "anthropic-version": p.version}
}

func (p *AnthropicProvider) call(body anthropicRequest) apiCall {
	return apiCall{url: p.baseURL + "/v1/messages", headers: p.headers(), body: body}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return complete(ctx, &p.httpBackend, req.Model, p.call(p.toAnthropicRequest(req)), anthropicResponse.toDomain)
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body := p.toAnthropicRequest(req)
	body.Stream = true
	return p.stream(ctx, req.Model, p.call(body), newAnthropicParser())
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

// anthropicContent is one content block: text, tool_use or tool_result.
type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) toDomain() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

func (r anthropicResponse) toDomain() *domain.ChatResponse {
	now := time.Now()
	var text strings.Builder
	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	msg.Content = text.String()
	return &domain.ChatResponse{ID: r.ID, Model: r.Model, Message: msg, Usage: r.Usage.toDomain(), CreatedAt: now}
}

func (p *AnthropicProvider) toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	system, turns := domain.SystemPrompt(req.Messages)
	out := anthropicRequest{Model: req.Model, System: system, MaxTokens: req.MaxTokens}
	if out.MaxTokens <= 0 {
		out.MaxTokens = p.maxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, m := range turns {
		out.Messages = append(out.Messages, anthropicTurn(m))
	}
	for _, t := range req.Tools {
		if t.Type != "" {
			continue
		}
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if len(out.Tools) > 0 && req.ToolChoice != "" {
		out.ToolChoice = &anthropicToolChoice{Type: req.ToolChoice}
	}
	return out
}

// anthropicTurn maps one message. Tool results are user turns holding a
// tool_result block; an assistant turn that only calls tools has no text.
func anthropicTurn(m domain.Message) anthropicMessage {
	if m.Role == domain.RoleTool {
		return anthropicMessage{
			Role:    domain.RoleUser,
			Content: []anthropicContent{{Type: "tool_result", ToolUseID: toolCallIDOf(m), Content: m.Content}},
		}
	}
	turn := anthropicMessage{Role: m.Role}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		turn.Content = append(turn.Content, anthropicContent{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		turn.Content = append(turn.Content, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
	}
	return turn
}

type anthropicEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

// newAnthropicParser returns a stateful event parser. Content blocks are
// numbered across text and tool_use; tool deltas are addressed by the
// tool's position among tool_use blocks.
func newAnthropicParser() chunkParser {
	toolSlot := map[int]int{}

	return func(data []byte) (*domain.StreamDelta, error) {
		var evt anthropicEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}

		switch evt.Type {
		case "content_block_start":
			if evt.ContentBlock == nil || evt.ContentBlock.Type != "tool_use" {
				return nil, nil
			}
			slot := len(toolSlot)
			toolSlot[evt.Index] = slot
			call := domain.ToolCall{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
			return &domain.StreamDelta{ToolCalls: placeToolCall(nil, slot, call)}, nil

		case "content_block_delta":
			switch evt.Delta.Type {
			case "text_delta":
				return &domain.StreamDelta{Content: evt.Delta.Text}, nil
			case "input_json_delta":
				slot, ok := toolSlot[evt.Index]
				if !ok {
					return nil, nil
				}
				call := domain.ToolCall{Arguments: json.RawMessage(evt.Delta.PartialJSON)}
				return &domain.StreamDelta{ToolCalls: placeToolCall(nil, slot, call)}, nil
			}

		case "message_delta":
			d := &domain.StreamDelta{Done: true}
			if evt.Usage != nil {
				u := evt.Usage.toDomain()
				d.Usage = &u
			}
			return d, nil

		case "message_stop":
			return &domain.StreamDelta{Done: true}, nil

		case "error":
			return &domain.StreamDelta{Done: true, Err: fmt.Errorf("%w: %s", domain.ErrProviderError, data)}, nil
		}
		return nil, nil
	}
}
