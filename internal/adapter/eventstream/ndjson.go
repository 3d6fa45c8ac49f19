package eventstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"testscribe/internal/domain"
)

type ndjsonEncoder struct {
	w io.Writer
}

func (e *ndjsonEncoder) ContentType() string { return ContentTypeNDJSON }

func (e *ndjsonEncoder) Emit(ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	flush(e.w)
	return nil
}

// ndjsonDecoder applies complete lines as they arrive. Lines that are not
// valid events are skipped.
type ndjsonDecoder struct {
	buf   []byte
	text  strings.Builder
	ev    merged
	err   *domain.ErrorEnvelope
	model string
}

func (d *ndjsonDecoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return
		}
		d.apply(d.buf[:i])
		d.buf = d.buf[i+1:]
	}
}

func (d *ndjsonDecoder) Finish() {
	if len(d.buf) > 0 {
		d.apply(d.buf)
		d.buf = nil
	}
}

func (d *ndjsonDecoder) apply(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev domain.StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case domain.EventText:
		d.text.WriteString(ev.Text)
	case domain.EventToolCall:
		d.ev.addCall(ev.ToolCall())
	case domain.EventToolResult:
		d.ev.addResult(ev.ToolResult())
	case domain.EventError:
		if ev.Error != nil {
			env := *ev.Error
			d.err = &env
		}
	case domain.EventFinish:
		d.model = ev.Model
	}
}

func (d *ndjsonDecoder) Snapshot() Snapshot {
	s := Snapshot{
		Text:  strings.TrimSpace(d.text.String()),
		Err:   d.err,
		Model: d.model,
	}
	d.ev.snapshot(&s)
	return s
}
