// Package gateway is the HTTP face of the chat service: the streaming
// chat endpoint and its websocket twin, prompt formatting, framework
// context, the tool catalog pass-through, health and metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/metrics"
	"testscribe/internal/infra/middleware"
	"testscribe/internal/usecase/chat"
	"testscribe/internal/usecase/format"
)

const (
	defaultMaxBody     = 4 << 20
	defaultMetricsPath = "/metrics"
	shutdownTimeout    = 5 * time.Second
	chunkDelay         = 10 * time.Millisecond
)

// Chatter answers one chat turn as a stream of events.
type Chatter interface {
	Stream(ctx context.Context, req domain.ChatTurnRequest, sink chat.Sink) (chat.Outcome, error)
}

// Formatter rewrites a draft prompt. It never fails; "" means no result.
type Formatter interface {
	Format(ctx context.Context, req format.Request) string
}

// ContextSource returns framework documentation by key.
type ContextSource interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// ToolCatalog browses the hosted tool catalog. Responses are raw JSON
// bodies passed through to the client.
type ToolCatalog interface {
	Key(override string) string
	ListTools(ctx context.Context, apiKey string, q url.Values) ([]byte, error)
	ListToolkits(ctx context.Context, apiKey string, q url.Values) ([]byte, error)
	ToolkitTools(ctx context.Context, apiKey, slug string, q url.Values) ([]byte, error)
}

// Deps holds the services behind the routes. Metrics may be nil.
type Deps struct {
	Chat    Chatter
	Format  Formatter
	Context ContextSource
	Tools   ToolCatalog
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves the gateway routes.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	logger     *slog.Logger
	chunkDelay time.Duration

	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer creates a gateway server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, chunkDelay: chunkDelay}
}

// Handler builds the routed and wrapped handler. ctx bounds the rate
// limiter's background cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.deps.Metrics.Instrument(name, h))
	}
	route("POST /api/chat", "chat", s.handleChat)
	route("POST /api/format", "format", s.handleFormat)
	route("GET /api/context", "context", s.handleContext)
	route("GET /api/tools", "tools", s.handleTools)
	route("GET /api/toolkits", "toolkits", s.handleToolkits)
	route("GET /api/toolkits/{slug}/tools", "toolkit_tools", s.handleToolkitTools)
	route("GET /healthz", "healthz", s.handleHealth)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	if s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	mws := []func(http.Handler) http.Handler{
		middleware.Recover(s.logger, chat.ApologyFailure),
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
	}
	if rl := s.cfg.RateLimit; rl.Enabled {
		mws = append(mws, middleware.RateLimit(ctx, middleware.Limits{
			PerMinute:      rl.RequestsPerMinute,
			Burst:          rl.Burst,
			TrustedProxies: rl.TrustedProxies,
			OnLimited:      s.deps.Metrics.Limited,
		}))
	}
	return middleware.Chain(mux, mws...)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}
