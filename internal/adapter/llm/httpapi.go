package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/tracer"
)

// maxResponseBody caps a non-streaming provider reply.
const maxResponseBody = 10 << 20

// httpBackend is the connection state shared by the providers that talk
// JSON over HTTP. Copies share the client and with it the connection pool.
type httpBackend struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newHTTPBackend(cfg config.ProviderConfig, defaultURL string, logger *slog.Logger) httpBackend {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultURL
	}
	return httpBackend{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: base,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

func (b *httpBackend) Name() string { return b.name }

// apiCall is one JSON POST to a provider endpoint.
type apiCall struct {
	url     string
	headers map[string]string
	body    any
}

// send performs the call. Any status but 200 becomes a classified domain
// error; on success the caller owns the response body.
func (c apiCall) send(ctx context.Context, client *http.Client, accept string) (*http.Response, error) {
	payload, err := json.Marshal(c.body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, detail)
	}
	return resp, nil
}

// decodeReply performs call and decodes the reply body into a T.
func decodeReply[T any](ctx context.Context, client *http.Client, call apiCall) (T, error) {
	var out T
	resp, err := call.send(ctx, client, "application/json")
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return out, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}

// complete runs a non-streaming chat call inside an llm.chat span and
// converts the provider reply with convert.
func complete[T any](ctx context.Context, b *httpBackend, model string, call apiCall, convert func(T) *domain.ChatResponse) (*domain.ChatResponse, error) {
	ctx, span := startChatSpan(ctx, b.name, model, false)
	defer span.End()

	reply, err := decodeReply[T](ctx, b.client, call)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	resp := convert(reply)
	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	logChatCompleted(b.logger, b.name, resp)
	return resp, nil
}

// stream opens an SSE chat call and decodes its events with parse. The
// llm.chat span stays open until the delta channel closes.
func (b *httpBackend) stream(ctx context.Context, model string, call apiCall, parse chunkParser) (<-chan domain.StreamDelta, error) {
	ctx, span := startChatSpan(ctx, b.name, model, true)
	resp, err := call.send(ctx, b.client, "text/event-stream")
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}
	return traced(ctx, span, readEvents(ctx, resp.Body, parse)), nil
}

// traced relays deltas unchanged, recording usage and the terminal error
// on span before ending it.
func traced(ctx context.Context, span trace.Span, in <-chan domain.StreamDelta) <-chan domain.StreamDelta {
	out := make(chan domain.StreamDelta, cap(in))
	go func() {
		defer close(out)
		var failed error
		defer func() { tracer.End(span, failed) }()
		for d := range in {
			if d.Usage != nil {
				setUsageAttrs(span, *d.Usage)
			}
			if d.Err != nil {
				failed = d.Err
			}
			select {
			case out <- d:
			case <-ctx.Done():
				failed = ctx.Err()
				return
			}
		}
	}()
	return out
}

func bearer(apiKey string) map[string]string {
	if apiKey == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func startChatSpan(ctx context.Context, provider, model string, stream bool) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat", trace.WithAttributes(
		tracer.StringAttr("llm.provider", provider),
		tracer.StringAttr("llm.model", model),
		tracer.BoolAttr("llm.stream", stream),
	))
}

func logChatCompleted(logger *slog.Logger, provider string, resp *domain.ChatResponse) {
	logger.Debug("llm chat completed", "provider", provider, "model", resp.Model, "tokens", resp.Usage.TotalTokens)
}

func setUsageAttrs(span trace.Span, u domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", u.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", u.CompletionTokens),
	)
}

// statusKinds classifies provider HTTP statuses for the circuit breaker
// and the client error envelope. Anything else is a provider error.
var statusKinds = map[int]error{
	http.StatusTooManyRequests:       domain.ErrRateLimit,
	http.StatusUnauthorized:          domain.ErrAuthInvalid,
	http.StatusForbidden:             domain.ErrAuthInvalid,
	http.StatusRequestEntityTooLarge: domain.ErrContextOverflow,
}

func statusError(status int, body []byte) error {
	kind, ok := statusKinds[status]
	if !ok {
		kind = domain.ErrProviderError
	}
	return fmt.Errorf("%w: API error %d: %s", kind, status, body)
}

// maxToolCallSlots bounds the slot index a provider chunk may name.
const maxToolCallSlots = 50

// placeToolCall stores tc at position idx of calls, padding with empty
// calls. A negative idx appends. Calls at or past maxToolCallSlots are
// dropped.
func placeToolCall(calls []domain.ToolCall, idx int, tc domain.ToolCall) []domain.ToolCall {
	if idx < 0 {
		idx = len(calls)
	}
	if idx >= maxToolCallSlots {
		return calls
	}
	if idx >= len(calls) {
		calls = append(calls, make([]domain.ToolCall, idx+1-len(calls))...)
	}
	calls[idx] = tc
	return calls
}

// toolCallIDOf is the id a tool result answers. Older clients put it on
// the first tool call instead of ToolCallID.
func toolCallIDOf(m domain.Message) string {
	if m.ToolCallID != "" {
		return m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		return m.ToolCalls[0].ID
	}
	return ""
}
