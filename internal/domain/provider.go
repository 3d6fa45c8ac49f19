package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
//
// ToolCalls are positional: the i-th entry of a delta continues the i-th
// tool call of the response. Adapters pad with empty entries when the
// upstream index skips ahead.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`

	// Err is set on the final delta when the stream terminated abnormally.
	Err error `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ProviderFamily names a group of models served by one upstream API.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyGoogle    ProviderFamily = "google"
	FamilyGroq      ProviderFamily = "groq"
	FamilyOllama    ProviderFamily = "ollama"
	FamilyBedrock   ProviderFamily = "bedrock"
)

// ProviderKeys is the bring-your-own-key bundle sent by a client. Each
// field is optional; an empty value falls back to the server default.
type ProviderKeys struct {
	OpenAI    string `json:"openai,omitempty"`
	Anthropic string `json:"anthropic,omitempty"`
	Google    string `json:"google,omitempty"`
	Groq      string `json:"groq,omitempty"`
	Composio  string `json:"composio,omitempty"`
}

// For returns the caller-supplied key for a provider family.
func (k ProviderKeys) For(family ProviderFamily) string {
	switch family {
	case FamilyOpenAI:
		return k.OpenAI
	case FamilyAnthropic:
		return k.Anthropic
	case FamilyGoogle:
		return k.Google
	case FamilyGroq:
		return k.Groq
	}
	return ""
}

// IsZero reports whether no key is set.
func (k ProviderKeys) IsZero() bool {
	return k == ProviderKeys{}
}
