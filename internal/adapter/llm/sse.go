package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"testscribe/internal/domain"
)

// maxSSELine bounds one event line. Tool argument chunks and Gemini
// candidates outgrow bufio's 64KB default.
const maxSSELine = 1 << 20

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// chunkParser decodes one SSE data payload. A nil delta skips the event.
type chunkParser func(data []byte) (*domain.StreamDelta, error)

// sseData returns the payload of a data line. Comments, blank lines and
// other fields report false.
func sseData(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, ssePrefix)
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(rest), true
}

// readEvents decodes the event stream in body until [DONE], a delta
// marked Done, EOF or cancellation, then closes body and the channel.
// Payloads parse rejects are skipped. A read failure arrives as a final
// delta carrying Err.
func readEvents(ctx context.Context, body io.ReadCloser, parse chunkParser) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	emit := func(d domain.StreamDelta) bool {
		select {
		case ch <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer body.Close()

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), maxSSELine)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			data, ok := sseData(sc.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(data, sseDone) {
				emit(domain.StreamDelta{Done: true})
				return
			}
			d, err := parse(data)
			if err != nil || d == nil {
				continue
			}
			if !emit(*d) || d.Done {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			emit(domain.StreamDelta{Done: true, Err: fmt.Errorf("read stream: %w", err)})
		}
	}()
	return ch
}
