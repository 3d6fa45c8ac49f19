package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

func newTestGemini(url string) *GeminiProvider {
	return NewGeminiProvider(config.ProviderConfig{
		Name:    "google",
		BaseURL: url,
		APIKey:  "g-key",
	}, newTestLogger())
}

func TestGeminiChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))

		var req geminiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.NotNil(t, req.SystemInstruction) {
			assert.Equal(t, "sys", req.SystemInstruction.Parts[0].Text)
		}
		if assert.Len(t, req.Contents, 2) {
			assert.Equal(t, "user", req.Contents[0].Role)
			assert.Equal(t, "model", req.Contents[1].Role)
		}

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"driver."},{"text":"get(url)"},` +
			`{"functionCall":{"name":"OPEN"}}]}}],` +
			`"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":3,"totalTokenCount":7}}`))
	}))
	defer server.Close()

	resp, err := newTestGemini(server.URL).Chat(context.Background(), domain.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
	assert.Equal(t, "driver.get(url)", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, []domain.ToolCall{{ID: "call_OPEN_0", Name: "OPEN", Arguments: json.RawMessage("{}")}}, resp.Message.ToolCalls)
	assert.Equal(t, domain.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7}, resp.Usage)
}

func TestGeminiChat_NoCandidates(t *testing.T) {
	resp := geminiResponse{}.toDomain("m")
	assert.Empty(t, resp.Message.Content)
	assert.Empty(t, resp.Message.ToolCalls)
	assert.Zero(t, resp.Usage)
}

func TestGeminiChatStream(t *testing.T) {
	srv := sseServer(t, func(r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":streamGenerateContent"), r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
	},
		`data: {"candidates":[{"content":{"parts":[{"text":"Look"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"ing"},{"functionCall":{"name":"SEARCH","args":{"q":"a"}}}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"FETCH"}}]}}],"usageMetadata":{"totalTokenCount":9}}`,
	)

	ch, err := newTestGemini(srv.URL).ChatStream(context.Background(), domain.ChatRequest{Model: "gemini-2.5-pro"})
	require.NoError(t, err)
	deltas := collect(t, ch)
	assert.Equal(t, "Looking", joined(deltas))

	second := deltas[1].ToolCalls
	require.Len(t, second, 1)
	assert.Equal(t, "call_SEARCH_0", second[0].ID)
	assert.JSONEq(t, `{"q":"a"}`, string(second[0].Arguments))

	third := deltas[2].ToolCalls
	require.Len(t, third, 2, "calls keep their stream index")
	assert.Equal(t, "call_FETCH_1", third[1].ID)
	assert.Equal(t, "{}", string(third[1].Arguments))
	require.NotNil(t, deltas[2].Usage)
	assert.Equal(t, 9, deltas[2].Usage.TotalTokens)
}

func TestGeminiRequestFor(t *testing.T) {
	req := geminiRequestFor(domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "q"},
			{Role: domain.RoleAssistant, Content: "checking", ToolCalls: []domain.ToolCall{{ID: "1", Name: "T", Arguments: json.RawMessage(`{"a":1}`)}}},
			{Role: domain.RoleTool, Name: "T", ToolCallID: "1", Content: "plain text"},
		},
		Tools: []domain.ToolSchema{
			{Name: "T", Parameters: json.RawMessage(`{"$schema":"x","type":"object","additionalProperties":false,"properties":{"title":{"type":"string","default":"a"}}}`)},
			{Type: domain.BuiltinBrowserSearch},
		},
		MaxTokens:   50,
		Temperature: 0.2,
	})

	assert.Nil(t, req.SystemInstruction)
	require.Len(t, req.Tools, 1)
	require.Len(t, req.Tools[0].FunctionDeclarations, 1)
	assert.JSONEq(t, `{"type":"object","properties":{"title":{"type":"string"}}}`, string(req.Tools[0].FunctionDeclarations[0].Parameters))

	require.Len(t, req.Contents, 3)
	call := req.Contents[1]
	assert.Equal(t, "model", call.Role)
	require.Len(t, call.Parts, 2)
	assert.Equal(t, "checking", call.Parts[0].Text)
	assert.Equal(t, "T", call.Parts[1].FunctionCall.Name)

	result := req.Contents[2]
	assert.Equal(t, "user", result.Role)
	require.NotNil(t, result.Parts[0].FunctionResponse)
	assert.JSONEq(t, `{"content":"plain text"}`, string(result.Parts[0].FunctionResponse.Response))

	require.NotNil(t, req.GenerationConfig)
	assert.Equal(t, 50, req.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, 0.2, *req.GenerationConfig.Temperature)
}

func TestGeminiRequestFor_Minimal(t *testing.T) {
	req := geminiRequestFor(domain.ChatRequest{Tools: []domain.ToolSchema{{Type: domain.BuiltinBrowserSearch}}})
	assert.Nil(t, req.Tools)
	assert.Nil(t, req.GenerationConfig)
}

func TestGeminiToolResponse(t *testing.T) {
	assert.Equal(t, `{"content":{"ok":true}}`, string(geminiToolResponse(`{"ok":true}`)))
	assert.Equal(t, `{"content":"not json"}`, string(geminiToolResponse("not json")))
}

func TestSanitizeGeminiSchema(t *testing.T) {
	assert.Nil(t, sanitizeGeminiSchema(nil))
	assert.Equal(t, `{broken`, string(sanitizeGeminiSchema(json.RawMessage(`{broken`))))
	assert.JSONEq(t,
		`{"type":"array","items":[{"type":"string"}]}`,
		string(sanitizeGeminiSchema(json.RawMessage(`{"type":"array","items":[{"type":"string","examples":["x"]}]}`))))
}
