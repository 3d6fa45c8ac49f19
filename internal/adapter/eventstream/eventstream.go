// Package eventstream encodes chat stream events for the wire and
// decodes them back, incrementally, into a snapshot of the reply.
//
// Two formats exist. NDJSON carries one tagged JSON event per line and is
// the primary protocol. The sentinel format is plain text with tool
// events embedded between marker strings and is kept for clients that
// predate NDJSON.
package eventstream

import (
	"io"
	"mime"
	"strings"

	"testscribe/internal/domain"
)

// Format names a wire format.
type Format string

const (
	FormatNDJSON   Format = "ndjson"
	FormatSentinel Format = "text"
)

// Content types of the two formats.
const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeText   = "text/plain; charset=utf-8"
)

// Negotiate picks the format for an Accept header. NDJSON must be asked
// for explicitly.
func Negotiate(accept string) Format {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == ContentTypeNDJSON {
			return FormatNDJSON
		}
	}
	return FormatSentinel
}

// FormatOf maps a response Content-Type to the decoder format. ok is
// false for types that are not a stream (e.g. application/json).
func FormatOf(contentType string) (Format, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch mt {
	case ContentTypeNDJSON:
		return FormatNDJSON, true
	case "text/plain":
		return FormatSentinel, true
	}
	return "", false
}

// Encoder writes events in one wire format.
type Encoder interface {
	ContentType() string
	Emit(ev domain.StreamEvent) error
}

// NewEncoder returns an encoder for f writing to w. When w can flush
// (http.ResponseWriter), every event is flushed as soon as it is written.
func NewEncoder(f Format, w io.Writer) Encoder {
	if f == FormatNDJSON {
		return &ndjsonEncoder{w: w}
	}
	return &sentinelEncoder{w: w}
}

// Snapshot is the decoded state of a reply so far.
type Snapshot = domain.StreamSnapshot

// Decoder consumes a reply incrementally. Feed may be called with
// arbitrary chunk boundaries; Finish flushes any buffered partial input.
type Decoder interface {
	Feed(chunk []byte)
	Finish()
	Snapshot() Snapshot
}

// NewDecoder returns a decoder for f.
func NewDecoder(f Format) Decoder {
	if f == FormatNDJSON {
		return &ndjsonDecoder{}
	}
	return &sentinelDecoder{}
}

// DecoderFor returns a decoder for a response Content-Type. ok is false
// when the body is not a stream.
func DecoderFor(contentType string) (Decoder, bool) {
	f, ok := FormatOf(contentType)
	if !ok {
		return nil, false
	}
	return NewDecoder(f), true
}

type flusher interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// merged tracks events by correlation id, keeping first-seen order.
type merged struct {
	calls   []domain.ToolCallEvent
	results []domain.ToolResultEvent
}

func (m *merged) addCall(c domain.ToolCallEvent) {
	for _, have := range m.calls {
		if have.ToolCallID == c.ToolCallID {
			return
		}
	}
	if c.Type == "" {
		c.Type = string(domain.EventToolCall)
	}
	m.calls = append(m.calls, c)
}

func (m *merged) addResult(r domain.ToolResultEvent) {
	for _, have := range m.results {
		if have.ToolCallID == r.ToolCallID {
			return
		}
	}
	if r.Type == "" {
		r.Type = string(domain.EventToolResult)
	}
	m.results = append(m.results, r)
}

func (m *merged) snapshot(s *Snapshot) {
	s.ToolCalls = append([]domain.ToolCallEvent(nil), m.calls...)
	s.ToolResults = append([]domain.ToolResultEvent(nil), m.results...)
}
