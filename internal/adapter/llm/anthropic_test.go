package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

func newTestAnthropic(url string) *AnthropicProvider {
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "anthropic",
		BaseURL: url,
		APIKey:  "ant-key",
	}, newTestLogger())
}

func TestAnthropicProviderChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ant-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}

		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "You write tests." {
			t.Errorf("system = %q", req.System)
		}
		if req.MaxTokens != defaultAnthropicMaxTokens {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:    "msg_1",
			Model: "claude-sonnet-4-20250514",
			Content: []anthropicContent{
				{Type: "text", Text: "cy.visit('/');"},
				{Type: "tool_use", ID: "tu_1", Name: "GITHUB_GET_REPO", Input: json.RawMessage(`{"repo":"x"}`)},
			},
			Usage: anthropicUsage{InputTokens: 12, OutputTokens: 4},
		})
	}))
	defer server.Close()

	resp, err := newTestAnthropic(server.URL).Chat(context.Background(), domain.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You write tests."},
			{Role: domain.RoleUser, Content: "Visit home"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "cy.visit('/');" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].ID != "tu_1" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicRequestToolMessages(t *testing.T) {
	p := newTestAnthropic("http://unused")
	req := p.toAnthropicRequest(domain.ChatRequest{
		Model: "claude",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "send it"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "tu_1", Name: "SEND"}}},
			{Role: domain.RoleTool, ToolCallID: "tu_1", Content: "sent"},
		},
		Tools: []domain.ToolSchema{
			{Name: "SEND", Description: "Send"},
			{Type: domain.BuiltinBrowserSearch},
		},
		ToolChoice: "auto",
		MaxTokens:  100,
	})

	if req.MaxTokens != 100 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	if len(req.Tools) != 1 || string(req.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.ToolChoice == nil || req.ToolChoice.Type != "auto" {
		t.Errorf("tool choice = %+v", req.ToolChoice)
	}

	asst := req.Messages[1]
	if len(asst.Content) != 1 || asst.Content[0].Type != "tool_use" || string(asst.Content[0].Input) != "{}" {
		t.Errorf("assistant = %+v", asst)
	}
	res := req.Messages[2]
	if res.Role != "user" || res.Content[0].Type != "tool_result" || res.Content[0].ToolUseID != "tu_1" {
		t.Errorf("tool result = %+v", res)
	}
}

func TestAnthropicProviderChatStream(t *testing.T) {
	srv := sseServer(t, nil,
		"event: message_start\ndata: {\"type\":\"message_start\"}",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_9","name":"SEARCH"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		`data: {"type":"message_stop"}`,
	)

	ch, err := newTestAnthropic(srv.URL).ChatStream(context.Background(), domain.ChatRequest{Model: "claude"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	deltas := collect(t, ch)

	if joined(deltas) != "Checking" {
		t.Errorf("text = %q", joined(deltas))
	}

	var id, args string
	for _, d := range deltas {
		for i, tc := range d.ToolCalls {
			if i != 0 {
				t.Errorf("tool ordinal = %d, want 0", i)
			}
			if tc.ID != "" {
				id = tc.ID
			}
			args += string(tc.Arguments)
		}
	}
	if id != "tu_9" || args != `{"q":"x"}` {
		t.Errorf("id=%q args=%q", id, args)
	}

	last := deltas[len(deltas)-1]
	if !last.Done || last.Usage == nil || last.Usage.CompletionTokens != 7 {
		t.Errorf("last = %+v", last)
	}
}

func TestAnthropicParserErrorEvent(t *testing.T) {
	parse := newAnthropicParser()
	d, err := parse([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Done || !errors.Is(d.Err, domain.ErrProviderError) {
		t.Errorf("delta = %+v", d)
	}
}

func TestAnthropicParserIgnoresOrphanJSONDelta(t *testing.T) {
	parse := newAnthropicParser()
	d, err := parse([]byte(`{"type":"content_block_delta","index":4,"delta":{"type":"input_json_delta","partial_json":"{}"}}`))
	if err != nil || d != nil {
		t.Errorf("got %+v, %v", d, err)
	}
}

func TestAnthropicWithAPIKey(t *testing.T) {
	base := newTestAnthropic("http://unused")
	cp := base.WithAPIKey("user")
	if cp.headers()["x-api-key"] != "user" || base.headers()["x-api-key"] != "ant-key" {
		t.Error("WithAPIKey should only change the copy")
	}
}
