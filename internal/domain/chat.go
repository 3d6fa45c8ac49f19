package domain

import (
	"encoding/json"
	"strings"
	"unicode/utf16"
)

// FrameworkContextKey names an external documentation source.
type FrameworkContextKey string

const (
	ContextPlaywright FrameworkContextKey = "playwright"
	ContextSelenium   FrameworkContextKey = "selenium"
	ContextCypress    FrameworkContextKey = "cypress"
)

// FrameworkContextKeys lists the known sources in display order.
var FrameworkContextKeys = []FrameworkContextKey{ContextPlaywright, ContextSelenium, ContextCypress}

// ParseFrameworkContextKey validates s against the known sources.
func ParseFrameworkContextKey(s string) (FrameworkContextKey, bool) {
	for _, k := range FrameworkContextKeys {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Thread is one conversation.
type Thread struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Messages         []ChatMessage         `json:"messages"`
	IsBranched       bool                  `json:"isBranched,omitempty"`
	ParentID         string                `json:"parentId,omitempty"`
	AttachedContexts []FrameworkContextKey `json:"attachedContexts,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (t Thread) Clone() Thread {
	out := t
	out.Messages = make([]ChatMessage, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = m.Clone()
	}
	out.AttachedContexts = append([]FrameworkContextKey(nil), t.AttachedContexts...)
	return out
}

// IndexOf returns the position of the message with id, or -1.
func (t Thread) IndexOf(id string) int {
	for i, m := range t.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// HasContext reports whether key was already merged into the thread.
func (t Thread) HasContext(key FrameworkContextKey) bool {
	for _, k := range t.AttachedContexts {
		if k == key {
			return true
		}
	}
	return false
}

// ChatMessage is a message as the conversation store sees it.
//
// Timestamp and TimeToFirstToken are milliseconds so persisted threads
// stay readable by existing front-ends.
type ChatMessage struct {
	ID               string            `json:"id"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	Attachments      []AttachmentMeta  `json:"attachments,omitempty"`
	ToolCalls        []ToolCallEvent   `json:"toolCalls,omitempty"`
	ToolResults      []ToolResultEvent `json:"toolResults,omitempty"`
	Model            string            `json:"model,omitempty"`
	TokensPerSecond  *float64          `json:"tokensPerSecond,omitempty"`
	TotalTokens      *int              `json:"totalTokens,omitempty"`
	TimeToFirstToken *int64            `json:"timeToFirstToken,omitempty"`
	Timestamp        int64             `json:"timestamp,omitempty"`
}

// Clone returns a deep copy of m.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	out.Attachments = append([]AttachmentMeta(nil), m.Attachments...)
	out.ToolCalls = append([]ToolCallEvent(nil), m.ToolCalls...)
	out.ToolResults = append([]ToolResultEvent(nil), m.ToolResults...)
	if m.TokensPerSecond != nil {
		v := *m.TokensPerSecond
		out.TokensPerSecond = &v
	}
	if m.TotalTokens != nil {
		v := *m.TotalTokens
		out.TotalTokens = &v
	}
	if m.TimeToFirstToken != nil {
		v := *m.TimeToFirstToken
		out.TimeToFirstToken = &v
	}
	return out
}

// AttachmentMeta describes a file or virtual document sent with a user
// message.
type AttachmentMeta struct {
	Name               string `json:"name"`
	Size               int64  `json:"size,omitempty"`
	Type               string `json:"type"`
	DomInspExtractData bool   `json:"domInspExtractData,omitempty"`
	ExternalContext    bool   `json:"externalContext,omitempty"`
	Content            string `json:"content,omitempty"`
}

// ToolCallEvent is a tool invocation surfaced to the client.
type ToolCallEvent struct {
	Type       string          `json:"type"`
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId"`
	Args       json.RawMessage `json:"args"`
}

// ToolResultEvent is a tool outcome surfaced to the client. It always
// follows a ToolCallEvent with the same ToolCallID.
type ToolResultEvent struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result"`
}

// TurnMessage is the role/content pair exchanged with the chat endpoint.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatTurnRequest is the body of a chat request.
type ChatTurnRequest struct {
	Messages    []TurnMessage    `json:"messages,omitempty"`
	Prompt      *string          `json:"prompt,omitempty"`
	Model       string           `json:"model,omitempty"`
	Tools       []string         `json:"tools,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	Keys        *ProviderKeys    `json:"keys,omitempty"`
}

// Turns converts chat messages to the role/content pairs a request carries.
func Turns(msgs []ChatMessage) []TurnMessage {
	out := make([]TurnMessage, len(msgs))
	for i, m := range msgs {
		out[i] = TurnMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Truncate returns s cut to at most n UTF-16 code units, the unit
// ApproxTokens counts in. A surrogate pair that would be split is left
// out whole.
func Truncate(s string, n int) string {
	units := 0
	for i, r := range s {
		units += max(utf16.RuneLen(r), 1)
		if units > n {
			return s[:i]
		}
	}
	return s
}

// TitleFrom derives a thread title from the first message text.
func TitleFrom(text string) string {
	return Truncate(strings.TrimSpace(text), 40)
}
