package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/chat"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

var errWSClosed = errors.New("websocket closed")

// localOrigins are always accepted in addition to the configured ones.
var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// wsConn is one chat websocket. Requests run concurrently; their frames
// share a single ordered write queue.
type wsConn struct {
	ws     *websocket.Conn
	sendCh chan eventstream.Frame
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	active map[uint64]context.CancelFunc
	wg     sync.WaitGroup
}

func (c *wsConn) close() { c.once.Do(func() { close(c.done) }) }

// send queues f, blocking while the queue is full.
func (c *wsConn) send(f eventstream.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.done:
		return errWSClosed
	}
}

func (c *wsConn) track(id uint64, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.active[id]; dup {
		return false
	}
	c.active[id] = cancel
	return true
}

func (c *wsConn) untrack(id uint64) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *wsConn) cancel(id uint64) bool {
	c.mu.Lock()
	cancel, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// wsSink forwards one request's events as event frames.
type wsSink struct {
	c  *wsConn
	id uint64
}

func (s wsSink) Start(chat.Plan) error { return nil }

func (s wsSink) Emit(ev domain.StreamEvent) error {
	f, err := eventstream.EventFrame(s.id, ev)
	if err != nil {
		return err
	}
	return s.c.send(f)
}

func (s *Server) originPatterns() []string {
	return append(append([]string(nil), localOrigins...), s.cfg.AllowedOrigins...)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		ws:     ws,
		sendCh: make(chan eventstream.Frame, wsSendBuffer),
		done:   make(chan struct{}),
		active: make(map[uint64]context.CancelFunc),
	}
	s.logger.Debug("chat websocket connected", "remote", r.RemoteAddr)

	go s.writeLoop(c, cancel)
	s.readLoop(ctx, c)

	cancel()
	c.wg.Wait()
	c.close()
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("chat websocket disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	for {
		var f eventstream.Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			return
		}
		if f.Type != eventstream.FrameTypeRequest {
			continue
		}

		switch f.Method {
		case eventstream.MethodChat:
			var req domain.ChatTurnRequest
			if err := json.Unmarshal(f.Payload, &req); err != nil {
				s.respond(c, f.ID, nil, fmt.Errorf("decode chat request: %w", err))
				continue
			}
			reqCtx, cancel := context.WithCancel(ctx)
			if !c.track(f.ID, cancel) {
				cancel()
				s.respond(c, f.ID, nil, fmt.Errorf("request %d already running", f.ID))
				continue
			}
			c.wg.Add(1)
			go s.serveChat(reqCtx, c, f.ID, req)

		case eventstream.MethodCancel:
			var id uint64
			if err := json.Unmarshal(f.Payload, &id); err != nil {
				continue
			}
			if c.cancel(id) {
				s.logger.Debug("chat request cancelled", "id", id)
			}

		default:
			s.respond(c, f.ID, nil, fmt.Errorf("unknown method %q", f.Method))
		}
	}
}

func (s *Server) writeLoop(c *wsConn, cancel context.CancelFunc) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.sendCh:
			ctx, done := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := wsjson.Write(ctx, c.ws, f)
			done()
			if err != nil {
				c.close()
				cancel()
				return
			}
		}
	}
}

// wsResult is the payload of a successful response frame.
type wsResult struct {
	Mode        string `json:"mode"`
	Model       string `json:"model"`
	ToolCalls   int    `json:"tool_calls"`
	ToolResults int    `json:"tool_results"`
}

func (s *Server) serveChat(ctx context.Context, c *wsConn, id uint64, req domain.ChatTurnRequest) {
	defer c.wg.Done()
	defer c.untrack(id)

	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("websocket chat panic", "id", id, "panic", v, "stack", string(debug.Stack()))
			s.respond(c, id, nil, errors.New(chat.ApologyFailure))
		}
	}()

	out, err := s.deps.Chat.Stream(ctx, req, wsSink{c: c, id: id})
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		s.respond(c, id, nil, err)
		return
	}
	s.logger.Debug("websocket chat turn done", "id", id, "mode", out.Mode, "model", out.Model)
	s.respond(c, id, wsResult{
		Mode:        out.Mode,
		Model:       out.Model,
		ToolCalls:   out.ToolCalls,
		ToolResults: out.ToolResults,
	}, nil)
}

// respond queues the terminal response frame of request id.
func (s *Server) respond(c *wsConn, id uint64, result any, err error) {
	f := eventstream.Frame{Type: eventstream.FrameTypeResponse, ID: id}
	if err != nil {
		f.Error = err.Error()
	} else if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			f.Error = mErr.Error()
		} else {
			f.Payload = data
		}
	}
	if sendErr := c.send(f); sendErr != nil {
		s.logger.Debug("dropped websocket response", "id", id, "error", sendErr)
	}
}
