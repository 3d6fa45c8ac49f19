package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"testscribe/internal/domain"
)

// Fallback contents written when a reply cannot be delivered.
const (
	StreamFailed  = "Sorry, streaming failed."
	RequestFailed = "Sorry, something went wrong."
)

// minRateWindow is the shortest stream for which a tokens-per-second
// figure is reported.
const minRateWindow = 100 * time.Millisecond

const readBufSize = 4096

// StreamMessageID is the id of the assistant message streamed in reply to
// the user message userID. It stays the message id after completion.
func StreamMessageID(userID string) string {
	return "stream-" + userID
}

// messageSink receives the assistant message as it evolves.
type messageSink interface {
	appendMessage(m domain.ChatMessage)
	updateMessage(id string, fn func(m *domain.ChatMessage))
}

// StreamConsumer reads a chat response into an assistant message. The same
// consumer serves send, edit and retry.
type StreamConsumer struct {
	decoders DecoderFunc
	now      func() time.Time
	newID    func() string
}

// consume reads resp to the end. sentAt is when the request was issued.
// On cancellation reading stops and the partial reply is kept.
func (c *StreamConsumer) consume(ctx context.Context, resp *Response, sentAt time.Time, userID, model string, sink messageSink) error {
	defer resp.Body.Close()

	dec, ok := c.decoders(resp.ContentType)
	if !ok {
		return c.consumeJSON(resp.Body, model, sink)
	}

	id := StreamMessageID(userID)
	sink.appendMessage(domain.ChatMessage{
		ID:        id,
		Role:      domain.RoleAssistant,
		Model:     model,
		Timestamp: c.now().UnixMilli(),
	})

	p := progress{id: id, sentAt: sentAt, start: c.now()}
	buf := make([]byte, readBufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if p.first.IsZero() && len(bytes.TrimSpace(chunk)) > 0 {
				p.first = c.now()
			}
			dec.Feed(chunk)
			c.apply(sink, &p, dec.Snapshot())
		}

		switch {
		case errors.Is(err, io.EOF):
			dec.Finish()
			c.apply(sink, &p, dec.Snapshot())
			return nil
		case ctx.Err() != nil:
			dec.Finish()
			c.apply(sink, &p, dec.Snapshot())
			return ctx.Err()
		case err != nil:
			sink.updateMessage(id, func(m *domain.ChatMessage) {
				*m = domain.ChatMessage{
					ID:        m.ID,
					Role:      domain.RoleAssistant,
					Content:   StreamFailed,
					Model:     m.Model,
					Timestamp: m.Timestamp,
				}
			})
			return fmt.Errorf("read chat stream: %w", err)
		}
	}
}

type progress struct {
	id     string
	sentAt time.Time
	start  time.Time
	first  time.Time
}

func (c *StreamConsumer) apply(sink messageSink, p *progress, snap domain.StreamSnapshot) {
	text := snap.Display()
	tokens := domain.ApproxTokens(text)
	elapsed := c.now().Sub(p.start)

	sink.updateMessage(p.id, func(m *domain.ChatMessage) {
		m.Content = text
		m.ToolCalls = snap.ToolCalls
		m.ToolResults = snap.ToolResults
		if snap.Model != "" {
			m.Model = snap.Model
		}

		m.TotalTokens, m.TokensPerSecond = nil, nil
		if tokens > 0 {
			total := tokens
			m.TotalTokens = &total
			if elapsed > minRateWindow {
				rate := float64(tokens) / elapsed.Seconds()
				m.TokensPerSecond = &rate
			}
		}
		if !p.first.IsZero() {
			ttft := p.first.Sub(p.sentAt).Milliseconds()
			m.TimeToFirstToken = &ttft
		}
	})
}

// consumeJSON handles servers that answer with a single {content} document.
func (c *StreamConsumer) consumeJSON(body io.Reader, model string, sink messageSink) error {
	var doc struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		sink.appendMessage(c.failure(model))
		return fmt.Errorf("decode chat response: %w", err)
	}
	sink.appendMessage(domain.ChatMessage{
		ID:        c.newID(),
		Role:      domain.RoleAssistant,
		Content:   contentString(doc.Content),
		Model:     model,
		Timestamp: c.now().UnixMilli(),
	})
	return nil
}

func (c *StreamConsumer) failure(model string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        c.newID(),
		Role:      domain.RoleAssistant,
		Content:   RequestFailed,
		Model:     model,
		Timestamp: c.now().UnixMilli(),
	}
}

// contentString renders a JSON value the way String() would: strings
// verbatim, null as empty, anything else as its JSON text.
func contentString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
