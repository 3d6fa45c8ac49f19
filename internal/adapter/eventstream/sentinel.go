package eventstream

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"testscribe/internal/domain"
)

// Marker strings of the sentinel format.
const (
	ToolCallMarker   = "__TOOL_CALL__"
	ToolResultMarker = "__TOOL_RESULT__"
)

// Frames are padded with a blank line on each side; the decoder strips
// the padding together with the frame.
const framePad = "\n\n"

var (
	toolCallRE   = regexp.MustCompile(`(?:\n\n)?` + ToolCallMarker + `(.*?)` + ToolCallMarker + `(?:\n\n)?`)
	toolResultRE = regexp.MustCompile(`(?:\n\n)?` + ToolResultMarker + `(.*?)` + ToolResultMarker + `(?:\n\n)?`)
)

type sentinelEncoder struct {
	w io.Writer
}

func (e *sentinelEncoder) ContentType() string { return ContentTypeText }

func (e *sentinelEncoder) Emit(ev domain.StreamEvent) error {
	var out string
	switch ev.Type {
	case domain.EventText:
		out = ev.Text
	case domain.EventToolCall:
		frame, err := sentinelFrame(ToolCallMarker, ev.ToolCall())
		if err != nil {
			return err
		}
		out = frame
	case domain.EventToolResult:
		frame, err := sentinelFrame(ToolResultMarker, ev.ToolResult())
		if err != nil {
			return err
		}
		out = frame
	case domain.EventError:
		if ev.Error != nil {
			out = ev.Error.Text
		}
	case domain.EventFinish:
		return nil
	}
	if out == "" {
		return nil
	}
	if _, err := io.WriteString(e.w, out); err != nil {
		return err
	}
	flush(e.w)
	return nil
}

func sentinelFrame(marker string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s frame: %w", marker, err)
	}
	return framePad + marker + string(data) + marker + framePad, nil
}

// sentinelDecoder rescans the whole accumulator on every snapshot; events
// persist once seen even if the text that carried them changes.
type sentinelDecoder struct {
	acc strings.Builder
	ev  merged
}

func (d *sentinelDecoder) Feed(chunk []byte) { d.acc.Write(chunk) }
func (d *sentinelDecoder) Finish()           {}

func (d *sentinelDecoder) Snapshot() Snapshot {
	text, calls, results := Extract(d.acc.String())
	for _, c := range calls {
		d.ev.addCall(c)
	}
	for _, r := range results {
		d.ev.addResult(r)
	}
	s := Snapshot{Text: text}
	d.ev.snapshot(&s)
	return s
}

// Extract finds every parseable frame in text, returns the events in
// order of appearance and the text with those frames removed and trimmed.
// Occurrences whose payload is not valid JSON stay in the text. Running
// Extract on its own output is a no-op.
func Extract(text string) (string, []domain.ToolCallEvent, []domain.ToolResultEvent) {
	var calls []domain.ToolCallEvent
	text = strip(text, toolCallRE, func(payload string) bool {
		var c domain.ToolCallEvent
		if json.Unmarshal([]byte(payload), &c) != nil {
			return false
		}
		calls = append(calls, c)
		return true
	})

	var results []domain.ToolResultEvent
	text = strip(text, toolResultRE, func(payload string) bool {
		var r domain.ToolResultEvent
		if json.Unmarshal([]byte(payload), &r) != nil {
			return false
		}
		results = append(results, r)
		return true
	})

	return strings.TrimSpace(text), calls, results
}

// strip removes every match of re whose payload is accepted.
func strip(text string, re *regexp.Regexp, accept func(payload string) bool) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if !accept(text[m[2]:m[3]]) {
			continue
		}
		b.WriteString(text[last:m[0]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
