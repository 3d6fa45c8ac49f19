package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*GeminiProvider)(nil)
	_ domain.StreamingLLMProvider = (*GeminiProvider)(nil)
)

// GeminiProvider speaks the Gemini generateContent API. BaseURL carries
// the API version, e.g. https://generativelanguage.googleapis.com/v1beta.
type GeminiProvider struct {
	httpBackend
}

func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	return &GeminiProvider{httpBackend: newHTTPBackend(cfg, "https://generativelanguage.googleapis.com/v1beta", logger)}
}

// WithAPIKey returns a copy of p that authenticates with key.
func (p *GeminiProvider) WithAPIKey(key string) *GeminiProvider {
	cp := *p
	cp.apiKey = key
	return &cp
}

func (p *GeminiProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

func (p *GeminiProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	call := apiCall{url: p.endpoint(req.Model, "generateContent"), headers: p.headers(), body: geminiRequestFor(req)}
	return complete(ctx, &p.httpBackend, req.Model, call, func(r geminiResponse) *domain.ChatResponse {
		return r.toDomain(req.Model)
	})
}

func (p *GeminiProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	call := apiCall{url: p.endpoint(req.Model, "streamGenerateContent") + "?alt=sse", headers: p.headers(), body: geminiRequestFor(req)}
	return p.stream(ctx, req.Model, call, newGeminiParser())
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGeneration `json:"generationConfig,omitempty"`
}

type geminiGeneration struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *geminiCall       `json:"functionCall,omitempty"`
	FunctionResponse *geminiCallResult `json:"functionResponse,omitempty"`
}

type geminiCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiCallResult struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiDecl `json:"functionDeclarations"`
}

type geminiDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *geminiUsage) toDomain() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// parts returns the first candidate's parts; Gemini is asked for one.
func (r geminiResponse) parts() []geminiPart {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

func (r geminiResponse) toDomain(model string) *domain.ChatResponse {
	now := time.Now()
	text, calls := splitParts(r.parts(), 0)
	resp := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
			Timestamp: now,
		},
	}
	if r.UsageMetadata != nil {
		resp.Usage = r.UsageMetadata.toDomain()
	}
	return resp
}

// splitParts joins the text parts and converts function calls, numbering
// them from first.
func splitParts(parts []geminiPart, first int) (string, []domain.ToolCall) {
	var (
		text  strings.Builder
		calls []domain.ToolCall
	)
	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
			calls = append(calls, part.FunctionCall.toolCall(first+len(calls)))
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}
	return text.String(), calls
}

// toolCall gives the call an ID, since Gemini sends none.
func (c *geminiCall) toolCall(n int) domain.ToolCall {
	args := c.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return domain.ToolCall{ID: fmt.Sprintf("call_%s_%d", c.Name, n), Name: c.Name, Arguments: args}
}

// newGeminiParser numbers streamed function calls across chunks; each call
// arrives whole.
func newGeminiParser() chunkParser {
	seen := 0
	return func(data []byte) (*domain.StreamDelta, error) {
		var chunk geminiResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}
		text, calls := splitParts(chunk.parts(), seen)
		delta := &domain.StreamDelta{Content: text}
		for _, c := range calls {
			delta.ToolCalls = placeToolCall(delta.ToolCalls, seen, c)
			seen++
		}
		if chunk.UsageMetadata != nil {
			u := chunk.UsageMetadata.toDomain()
			delta.Usage = &u
		}
		return delta, nil
	}
}

func geminiRequestFor(req domain.ChatRequest) geminiRequest {
	system, rest := domain.SystemPrompt(req.Messages)
	out := geminiRequest{
		Tools:            geminiTools(req.Tools),
		GenerationConfig: geminiGenerationFor(req),
	}
	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range rest {
		out.Contents = append(out.Contents, geminiTurn(m))
	}
	return out
}

// geminiTurn maps one message. Gemini only knows the user and model roles;
// tool results travel as user turns.
func geminiTurn(m domain.Message) geminiContent {
	if m.Role == domain.RoleTool {
		return geminiContent{Role: "user", Parts: []geminiPart{{
			FunctionResponse: &geminiCallResult{Name: m.Name, Response: geminiToolResponse(m.Content)},
		}}}
	}
	role := "user"
	if m.Role == domain.RoleAssistant {
		role = "model"
	}
	if len(m.ToolCalls) == 0 {
		return geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}}
	}

	turn := geminiContent{Role: "model"}
	if m.Content != "" {
		turn.Parts = append(turn.Parts, geminiPart{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		turn.Parts = append(turn.Parts, geminiPart{FunctionCall: &geminiCall{Name: tc.Name, Args: tc.Arguments}})
	}
	return turn
}

// geminiTools declares the function tools; builtins have no Gemini form.
func geminiTools(schemas []domain.ToolSchema) []geminiToolGroup {
	var decls []geminiDecl
	for _, t := range schemas {
		if t.Type != "" {
			continue
		}
		decls = append(decls, geminiDecl{Name: t.Name, Description: t.Description, Parameters: sanitizeGeminiSchema(t.Parameters)})
	}
	if len(decls) == 0 {
		return nil
	}
	return []geminiToolGroup{{FunctionDeclarations: decls}}
}

func geminiGenerationFor(req domain.ChatRequest) *geminiGeneration {
	if req.MaxTokens <= 0 && req.Temperature <= 0 {
		return nil
	}
	g := &geminiGeneration{MaxOutputTokens: req.MaxTokens}
	if req.Temperature > 0 {
		g.Temperature = &req.Temperature
	}
	return g
}

// geminiToolResponse wraps tool output in the object Gemini requires.
// Output that is not JSON is sent as a string.
func geminiToolResponse(content string) json.RawMessage {
	inner := json.RawMessage(content)
	if !json.Valid(inner) {
		inner, _ = json.Marshal(content)
	}
	out, _ := json.Marshal(struct {
		Content json.RawMessage `json:"content"`
	}{inner})
	return out
}

// geminiUnsupportedKeys are JSON Schema keywords Gemini function
// declarations reject.
var geminiUnsupportedKeys = []string{"$schema", "additionalProperties", "examples", "title", "default"}

func sanitizeGeminiSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(stripSchemaKeys(v))
	if err != nil {
		return raw
	}
	return out
}

// stripSchemaKeys removes unsupported keywords at every level. Names under
// "properties" are user data, not keywords, so "title" survives there.
func stripSchemaKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range geminiUnsupportedKeys {
			delete(t, k)
		}
		for k, child := range t {
			props, isProps := child.(map[string]any)
			if k != "properties" || !isProps {
				t[k] = stripSchemaKeys(child)
				continue
			}
			for name, ps := range props {
				props[name] = stripSchemaKeys(ps)
			}
		}
		return t
	case []any:
		for i := range t {
			t[i] = stripSchemaKeys(t[i])
		}
		return t
	}
	return v
}
