package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

// OpenAIProvider speaks the chat completions API. It serves the openai
// family and, through Groq's /openai/v1 endpoint, the groq family.
type OpenAIProvider struct {
	httpBackend
}

func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	return &OpenAIProvider{httpBackend: newHTTPBackend(cfg, "https://api.openai.com/v1", logger)}
}

// WithAPIKey returns a copy of p that authenticates with key.
func (p *OpenAIProvider) WithAPIKey(key string) *OpenAIProvider {
	cp := *p
	cp.apiKey = key
	return &cp
}

func (p *OpenAIProvider) call(body completionRequest) apiCall {
	return apiCall{url: p.baseURL + "/chat/completions", headers: bearer(p.apiKey), body: body}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := completionRequestFor(req)
	body.Stream = false
	return complete(ctx, &p.httpBackend, req.Model, p.call(body), completionResponse.toDomain)
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body := completionRequestFor(req)
	body.Stream = true
	return p.stream(ctx, req.Model, p.call(body), parseCompletionChunk)
}

type completionRequest struct {
	Model             string              `json:"model"`
	Messages          []completionMessage `json:"messages"`
	Tools             []completionTool    `json:"tools,omitempty"`
	ToolChoice        string              `json:"tool_choice,omitempty"`
	MaxTokens         int                 `json:"max_tokens,omitempty"`
	Temperature       *float64            `json:"temperature,omitempty"`
	Stream            bool                `json:"stream,omitempty"`
	ParallelToolCalls *bool               `json:"parallel_tool_calls,omitempty"`
	ServiceTier       string              `json:"service_tier,omitempty"`
	ReasoningFormat   string              `json:"reasoning_format,omitempty"`
}

type completionMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	Name       string               `json:"name,omitempty"`
	ToolCalls  []completionToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// completionTool is a function tool or a builtin such as
// {"type":"browser_search"}, which has no function.
type completionTool struct {
	Type     string        `json:"type"`
	Function *functionDecl `json:"function,omitempty"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type completionToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u completionUsage) toDomain() domain.Usage {
	return domain.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type completionResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Created int64              `json:"created"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content   string               `json:"content,omitempty"`
			ToolCalls []completionToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *completionUsage `json:"usage,omitempty"`
}

// applyOptions copies the per-model extras a catalog entry may carry.
// Tool options are dropped when the request declares no tools.
func (r *completionRequest) applyOptions(opts map[string]any) {
	if v, ok := opts["parallel_tool_calls"].(bool); ok && len(r.Tools) > 0 {
		r.ParallelToolCalls = &v
	}
	if v, ok := opts["service_tier"].(string); ok {
		r.ServiceTier = v
	}
	if v, ok := opts["reasoning_format"].(string); ok {
		r.ReasoningFormat = v
	}
}

func completionRequestFor(req domain.ChatRequest) completionRequest {
	out := completionRequest{
		Model:     req.Model,
		Messages:  make([]completionMessage, 0, len(req.Messages)),
		Stream:    req.Stream,
		MaxTokens: max(req.MaxTokens, 0),
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, completionMessageFor(m))
	}
	for _, t := range req.Tools {
		if t.Type != "" {
			out.Tools = append(out.Tools, completionTool{Type: t.Type})
			continue
		}
		out.Tools = append(out.Tools, completionTool{
			Type:     "function",
			Function: &functionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = req.ToolChoice
	}
	out.applyOptions(req.Options)
	return out
}

// completionMessageFor maps one message. Tool results are addressed by
// tool_call_id and carry no name.
func completionMessageFor(m domain.Message) completionMessage {
	if m.Role == domain.RoleTool {
		return completionMessage{Role: m.Role, Content: m.Content, ToolCallID: toolCallIDOf(m)}
	}
	cm := completionMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, completionToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: functionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
		})
	}
	return cm
}

func (r completionResponse) toDomain() *domain.ChatResponse {
	created := time.Unix(r.Created, 0)
	resp := &domain.ChatResponse{ID: r.ID, Model: r.Model, Usage: r.Usage.toDomain(), CreatedAt: created}
	if len(r.Choices) == 0 {
		return resp
	}
	m := r.Choices[0].Message
	resp.Message = domain.Message{Role: m.Role, Content: m.Content, Name: m.Name, Timestamp: created}
	for _, tc := range m.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp
}

// parseCompletionChunk decodes one streamed chunk. Tool call fragments
// are placed by their index so the accumulator can merge them.
func parseCompletionChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk completionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	d := &domain.StreamDelta{}
	if chunk.Usage != nil {
		u := chunk.Usage.toDomain()
		d.Usage = &u
	}
	if len(chunk.Choices) == 0 {
		return d, nil
	}
	c := chunk.Choices[0]
	d.Content = c.Delta.Content
	for i, tc := range c.Delta.ToolCalls {
		if tc.Index != nil {
			i = *tc.Index
		}
		d.ToolCalls = placeToolCall(d.ToolCalls, i, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	d.Done = c.FinishReason != nil && *c.FinishReason != ""
	return d, nil
}
