package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/chat"
)

// httpSink writes a turn to a streaming HTTP response. Headers go out on
// Start, once the plan is known.
type httpSink struct {
	w       http.ResponseWriter
	enc     eventstream.Encoder
	started bool
}

func newHTTPSink(w http.ResponseWriter, f eventstream.Format) *httpSink {
	return &httpSink{w: w, enc: eventstream.NewEncoder(f, w)}
}

func (s *httpSink) Start(p chat.Plan) error {
	return s.begin(http.StatusOK, p.UsesTools())
}

func (s *httpSink) begin(status int, noCache bool) error {
	if s.started {
		return nil
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", s.enc.ContentType())
	if noCache {
		h.Set("Cache-Control", "no-cache")
	}
	s.w.WriteHeader(status)
	return nil
}

func (s *httpSink) Emit(ev domain.StreamEvent) error {
	return s.enc.Emit(ev)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sink := newHTTPSink(w, eventstream.Negotiate(r.Header.Get("Accept")))

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.logger.Error("chat handler panic", "panic", v, "stack", string(debug.Stack()))
			s.failChat(r.Context(), sink, fmt.Errorf("panic: %v", v))
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req domain.ChatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.failChat(r.Context(), sink, fmt.Errorf("decode chat request: %w", err))
		return
	}

	out, err := s.deps.Chat.Stream(r.Context(), req, sink)
	if err != nil {
		if !sink.started {
			s.failChat(r.Context(), sink, err)
			return
		}
		s.logger.Debug("chat stream aborted", "model", out.Model, "error", err)
		return
	}
	s.logger.Debug("chat turn done",
		"mode", out.Mode,
		"model", out.Model,
		"tool_calls", out.ToolCalls,
		"tool_results", out.ToolResults,
		"error", out.Err,
	)
}

// failChat answers a request that never reached the model with a 500
// carrying the generic apology as a simulated stream. Nothing is written
// when the response has already started.
func (s *Server) failChat(ctx context.Context, sink *httpSink, cause error) {
	s.logger.Warn("chat request failed", "error", cause)
	if sink.started {
		return
	}
	s.deps.Metrics.StreamError("request")
	sink.begin(http.StatusInternalServerError, false)
	if err := chat.Simulate(ctx, sink, chat.ApologyFailure, s.chunkDelay); err != nil {
		return
	}
	sink.Emit(domain.StreamEvent{Type: domain.EventFinish})
}
