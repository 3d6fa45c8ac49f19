package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
//
// Type is empty for regular function tools. A non-empty Type marks a
// provider builtin (e.g. "browser_search") that carries no parameters.
type ToolSchema struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Type        string          `json:"type,omitempty"`
}

// BuiltinBrowserSearch is the provider builtin web-search tool type.
const BuiltinBrowserSearch = "browser_search"

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolSource resolves externally hosted tools for a set of identifiers.
// credential is the caller's key for the source; sources that need none
// ignore it.
type ToolSource interface {
	Tools(ctx context.Context, ids []string, credential string) ([]Tool, error)
}

// Value is the JSON value a tool-result event carries. JSON content
// passes through, other content becomes a JSON string and error results
// become {"error": content}.
func (r *ToolResult) Value() json.RawMessage {
	if r == nil {
		return json.RawMessage("null")
	}
	if r.IsError {
		data, _ := json.Marshal(map[string]string{"error": r.Content})
		return data
	}
	if r.Content != "" && json.Valid([]byte(r.Content)) {
		return json.RawMessage(r.Content)
	}
	data, _ := json.Marshal(r.Content)
	return data
}
