package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/conversation"
)

const (
	wsEventBuffer  = 256
	wsWriteTimeout = 5 * time.Second
)

var errConnClosed = errors.New("websocket connection closed")

// WS sends chat turns over one multiplexed websocket. Each request gets an
// id; the server answers with event frames and a final response frame for
// that id. The connection is dialled on first use and redialled after it
// drops.
type WS struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]*wsRequest
	nextID  atomic.Uint64
}

// wsRequest feeds one request's events into the pipe its caller reads.
type wsRequest struct {
	events chan []byte
	done   chan struct{}
	once   sync.Once
	pw     *io.PipeWriter

	// err is the server's error for the request; it is set before events
	// is closed.
	err error
}

func (r *wsRequest) finish(err error) {
	r.once.Do(func() {
		close(r.done)
		r.pw.CloseWithError(err)
	})
}

// NewWS creates a websocket transport for the chat endpoint at url
// (ws:// or wss://).
func NewWS(url string, logger *slog.Logger) *WS {
	return &WS{url: url, logger: logger, pending: make(map[uint64]*wsRequest)}
}

// Send starts a chat turn and returns its reply as an NDJSON stream.
// Cancelling ctx aborts the request on the server too.
func (c *WS) Send(ctx context.Context, turn domain.ChatTurnRequest) (*conversation.Response, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	id := c.nextID.Add(1)
	pr, pw := io.Pipe()
	req := &wsRequest{events: make(chan []byte, wsEventBuffer), done: make(chan struct{}), pw: pw}
	c.mu.Lock()
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.write(ctx, conn, eventstream.Frame{Type: eventstream.FrameTypeRequest, ID: id, Method: eventstream.MethodChat, Payload: payload}); err != nil {
		c.remove(id)
		req.finish(err)
		return nil, fmt.Errorf("send chat frame: %w", err)
	}

	go c.pump(req)
	go func() {
		select {
		case <-ctx.Done():
			c.remove(id)
			c.cancelRemote(conn, id)
			req.finish(ctx.Err())
		case <-req.done:
		}
	}()

	return &conversation.Response{ContentType: eventstream.ContentTypeNDJSON, Body: pr}, nil
}

// pump copies queued event lines into the pipe until the request ends.
func (c *WS) pump(req *wsRequest) {
	for {
		select {
		case line, ok := <-req.events:
			if !ok {
				req.finish(req.err)
				return
			}
			if _, err := req.pw.Write(line); err != nil {
				return
			}
		case <-req.done:
			return
		}
	}
}

func (c *WS) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxAPIBody)
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *WS) write(ctx context.Context, conn *websocket.Conn, f eventstream.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func (c *WS) cancelRemote(conn *websocket.Conn, id uint64) {
	f := eventstream.Frame{Type: eventstream.FrameTypeRequest, Method: eventstream.MethodCancel, Payload: json.RawMessage(strconv.FormatUint(id, 10))}
	if err := c.write(context.Background(), conn, f); err != nil {
		c.logger.Debug("send cancel frame failed", "id", id, "error", err)
	}
}

func (c *WS) remove(id uint64) *wsRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.pending[id]
	delete(c.pending, id)
	return req
}

func (c *WS) readLoop(conn *websocket.Conn) {
	err := c.dispatch(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]*wsRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.finish(fmt.Errorf("%w: %v", errConnClosed, err))
	}
}

func (c *WS) dispatch(conn *websocket.Conn) error {
	for {
		var f eventstream.Frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			return err
		}

		c.mu.Lock()
		req := c.pending[f.ID]
		c.mu.Unlock()
		if req == nil {
			continue
		}

		switch f.Type {
		case eventstream.FrameTypeEvent:
			line := append(append([]byte(nil), f.Payload...), '\n')
			select {
			case req.events <- line:
			case <-req.done:
			}
		case eventstream.FrameTypeResponse:
			c.remove(f.ID)
			if f.Error != "" {
				req.err = errors.New(f.Error)
			}
			close(req.events)
		}
	}
}

// Close closes the connection. In-flight requests fail.
func (c *WS) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}
