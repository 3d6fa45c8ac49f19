// Package chat runs one chat turn: it resolves the model, composes the
// prompt, fetches the requested tools and streams the reply as events.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"testscribe/internal/domain"
	"testscribe/internal/infra/metrics"
	"testscribe/internal/infra/tracer"
)

// Modes a turn runs in.
const (
	ModePlain   = "plain"
	ModeTools   = "tools"
	ModeApology = "apology"
)

// Stream error phases.
const (
	phasePlain    = "plain"
	phaseTools    = "tools"
	phaseResponse = "response"
)

// Canned replies streamed when no model can answer.
const (
	ApologyUnavailable = "Sorry, AI model is not available. Please check your API keys configuration."
	ApologyFailure     = "Sorry, something went wrong."
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxRoundtrips = 3
	defaultChunkDelay    = 10 * time.Millisecond
)

// Resolver maps a model name to a catalog entry. It never fails.
type Resolver interface {
	Resolve(name string) domain.ModelEntry
}

// ProviderSource hands out a provider for a family, authenticated with
// the caller's keys when present.
type ProviderSource interface {
	Provider(ctx context.Context, family domain.ProviderFamily, keys domain.ProviderKeys) (domain.StreamingLLMProvider, error)
}

// Emitter receives stream events.
type Emitter interface {
	Emit(ev domain.StreamEvent) error
}

// Sink receives the events of one turn. Start is called exactly once,
// before the first event, so transports can pick headers from the plan.
type Sink interface {
	Emitter
	Start(p Plan) error
}

// Plan describes how a turn will be answered.
type Plan struct {
	Mode  string
	Model string
}

// UsesTools reports whether the reply carries tool events.
func (p Plan) UsesTools() bool { return p.Mode == ModeTools }

// Outcome summarizes a finished turn. Err is the generation error that
// was surfaced to the client as an error event, if any.
type Outcome struct {
	Plan
	ToolCalls   int
	ToolResults int
	Err         error
}

// Deps holds injected dependencies for the service.
type Deps struct {
	Models    Resolver
	Providers ProviderSource
	Tools     domain.ToolSource // optional, nil = no external tools
	Metrics   *metrics.Metrics  // optional
	Logger    *slog.Logger

	Timeout           time.Duration
	MaxToolRoundtrips int
}

// Service multiplexes chat requests onto providers and tools.
type Service struct {
	deps       Deps
	now        func() time.Time
	chunkDelay time.Duration
}

// NewService creates a chat service.
func NewService(deps Deps) *Service {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	if deps.MaxToolRoundtrips <= 0 {
		deps.MaxToolRoundtrips = defaultMaxRoundtrips
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, now: time.Now, chunkDelay: defaultChunkDelay}
}

// turn is the prepared state of one request.
type turn struct {
	entry    domain.ModelEntry
	provider domain.StreamingLLMProvider
	system   string
	msgs     []domain.TurnMessage
	tools    map[string]domain.Tool
	schemas  []domain.ToolSchema
}

// Stream answers req, writing events to sink. The turn runs under the
// service deadline. Generation failures are reported to the client as an
// error event and in Outcome.Err; the returned error is non-nil only when
// the sink itself fails.
func (s *Service) Stream(ctx context.Context, req domain.ChatTurnRequest, sink Sink) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "chat.stream")
	defer span.End()

	var keys domain.ProviderKeys
	if req.Keys != nil {
		keys = *req.Keys
	}

	entry := s.deps.Models.Resolve(req.Model)
	span.SetAttributes(tracer.StringAttr("chat.model", entry.Name))

	provider, err := s.deps.Providers.Provider(ctx, entry.Family, keys)
	if err != nil {
		s.deps.Logger.Warn("provider unavailable", "model", entry.Name, "family", entry.Family, "error", err)
		return s.apologize(ctx, sink, entry)
	}

	t := &turn{
		entry:    entry,
		provider: provider,
		msgs:     WithAttachments(baseMessages(req.Messages, req.Prompt), req.Attachments),
	}
	s.resolveTools(ctx, t, req.Tools, keys.Composio)
	t.system = SystemPrompt(s.now(), len(t.schemas) > 0)

	out := Outcome{Plan: Plan{Mode: ModePlain, Model: entry.Name}}
	if len(t.tools) > 0 {
		out.Mode = ModeTools
	}
	span.SetAttributes(tracer.StringAttr("chat.mode", out.Mode), tracer.IntAttr("chat.tools", len(t.schemas)))
	s.deps.Metrics.ChatRequest(out.Mode)

	if err := sink.Start(out.Plan); err != nil {
		return out, err
	}

	var phase string
	var genErr error
	if out.Mode == ModeTools {
		phase, genErr = s.runTools(ctx, t, sink, &out)
	} else {
		phase, genErr = phasePlain, s.runPlain(ctx, t, sink)
	}

	var sinkErr *sinkError
	if errors.As(genErr, &sinkErr) {
		tracer.RecordError(span, sinkErr.err)
		return out, sinkErr.err
	}
	if genErr != nil {
		genErr = s.classify(genErr)
		out.Err = genErr
		tracer.RecordError(span, genErr)
		s.deps.Metrics.StreamError(phase)
		s.deps.Logger.Warn("chat stream failed", "model", entry.Name, "phase", phase, "error", genErr)
		if err := sink.Emit(domain.ErrorStreamEvent(domain.NewErrorEnvelope(genErr))); err != nil {
			return out, err
		}
	} else {
		tracer.SetOK(span)
	}

	if err := sink.Emit(domain.StreamEvent{Type: domain.EventFinish, Model: entry.Name}); err != nil {
		return out, err
	}
	return out, nil
}

// resolveTools fills t.tools and t.schemas. A failed fetch degrades to
// whatever tools did resolve.
func (s *Service) resolveTools(ctx context.Context, t *turn, ids []string, credential string) {
	var external []string
	wantsSearch := false
	for _, id := range ids {
		if id == domain.BuiltinBrowserSearch {
			wantsSearch = true
			continue
		}
		external = append(external, id)
	}

	if len(external) > 0 {
		if s.deps.Tools == nil {
			s.deps.Metrics.ToolFetchFailed(metrics.ReasonNoCredential)
		} else {
			tools, err := s.deps.Tools.Tools(ctx, external, credential)
			if err != nil {
				reason := metrics.ReasonError
				if errors.Is(err, domain.ErrToolsCredential) {
					reason = metrics.ReasonNoCredential
				}
				s.deps.Metrics.ToolFetchFailed(reason)
				s.deps.Logger.Warn("tool fetch failed", "requested", len(external), "resolved", len(tools), "reason", reason, "error", err)
			}
			if len(tools) > 0 {
				t.tools = make(map[string]domain.Tool, len(tools))
				for _, tool := range tools {
					if _, dup := t.tools[tool.Name()]; dup {
						continue
					}
					t.tools[tool.Name()] = tool
					t.schemas = append(t.schemas, tool.Schema())
				}
			}
		}
	}

	if wantsSearch && t.entry.BrowserSearch {
		t.schemas = append(t.schemas, domain.ToolSchema{Type: domain.BuiltinBrowserSearch})
	}
}

func (t *turn) request(msgs []domain.Message, withTools bool) domain.ChatRequest {
	req := domain.ChatRequest{
		Model:    t.entry.Model,
		Messages: msgs,
		Stream:   true,
	}
	if !withTools {
		return req
	}
	req.Options = t.entry.Options()
	if len(t.schemas) > 0 {
		req.Tools = t.schemas
		req.ToolChoice = "auto"
	}
	return req
}

// runPlain passes provider text through as text events.
func (s *Service) runPlain(ctx context.Context, t *turn, sink Emitter) error {
	req := t.request(providerMessages(t.system, t.msgs), true)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := t.provider.ChatStream(callCtx, req)
	if err != nil {
		return err
	}
	for delta := range ch {
		if delta.Content != "" {
			if err := sink.Emit(domain.TextEvent(delta.Content)); err != nil {
				return &sinkError{err}
			}
		}
		if delta.Err != nil {
			return delta.Err
		}
	}
	return ctx.Err()
}

// runTools executes the two-phase tool flow. Phase one lets the model call
// tools for up to MaxToolRoundtrips rounds and surfaces each call and its
// result. Phase two asks the model, without tools, to answer from the
// collected results. When no tool ran, phase one's text is the reply.
func (s *Service) runTools(ctx context.Context, t *turn, sink Emitter, out *Outcome) (string, error) {
	msgs := providerMessages(t.system, t.msgs)
	var (
		results []domain.ToolResultEvent
		reply   string
	)

	for round := 0; round < s.deps.MaxToolRoundtrips; round++ {
		msg, err := s.collect(ctx, t, t.request(msgs, true))
		if err != nil {
			return phaseTools, err
		}
		if len(msg.ToolCalls) == 0 {
			reply = msg.Content
			break
		}

		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = "call_" + ulid.Make().String()
			}
		}
		msgs = append(msgs, msg)

		for _, call := range msg.ToolCalls {
			args := argsValue(call.Arguments)
			if err := sink.Emit(domain.ToolCallStreamEvent(domain.ToolCallEvent{
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Args:       args,
			})); err != nil {
				return phaseTools, &sinkError{err}
			}
			out.ToolCalls++

			res := s.execute(ctx, t, call.Name, args)
			ev := domain.ToolResultEvent{ToolCallID: call.ID, ToolName: call.Name, Result: res.Value()}
			if err := sink.Emit(domain.ToolResultStreamEvent(ev)); err != nil {
				return phaseTools, &sinkError{err}
			}
			out.ToolResults++
			results = append(results, ev)

			msgs = append(msgs, domain.Message{
				Role:       domain.RoleTool,
				Content:    res.Content,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
		if err := ctx.Err(); err != nil {
			return phaseTools, err
		}
	}

	if len(results) == 0 {
		if reply != "" {
			if err := sink.Emit(domain.TextEvent(reply)); err != nil {
				return phaseTools, &sinkError{err}
			}
		}
		return phaseTools, nil
	}

	followUp := append(providerMessages(t.system, t.msgs), domain.Message{
		Role:    domain.RoleUser,
		Content: toolSummary(results),
	})
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := t.provider.ChatStream(callCtx, t.request(followUp, false))
	if err != nil {
		return phaseResponse, err
	}
	for delta := range ch {
		if delta.Content != "" {
			if err := sink.Emit(domain.TextEvent(delta.Content)); err != nil {
				return phaseResponse, &sinkError{err}
			}
		}
		if delta.Err != nil {
			return phaseResponse, delta.Err
		}
	}
	return phaseResponse, ctx.Err()
}

// collect drains one provider stream into a message.
func (s *Service) collect(ctx context.Context, t *turn, req domain.ChatRequest) (domain.Message, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := t.provider.ChatStream(callCtx, req)
	if err != nil {
		return domain.Message{}, err
	}
	var acc streamAccumulator
	for delta := range ch {
		if delta.Err != nil {
			return domain.Message{}, delta.Err
		}
		acc.addDelta(delta)
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	return acc.build(s.now()), nil
}

// execute runs one tool call. Failures become error results so the model
// and the client both see them.
func (s *Service) execute(ctx context.Context, t *turn, name string, args json.RawMessage) *domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "chat.tool_call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("tool.name", name))

	tool, ok := t.tools[name]
	if !ok {
		err := domain.NewDomainError("Chat.Execute", domain.ErrToolNotFound, name)
		tracer.RecordError(span, err)
		return &domain.ToolResult{IsError: true, Content: err.Error()}
	}
	res, err := tool.Execute(ctx, args)
	if err != nil {
		tracer.RecordError(span, err)
		return &domain.ToolResult{IsError: true, Content: err.Error()}
	}
	if res == nil {
		res = &domain.ToolResult{}
	}
	return res
}

// classify maps deadline expiry onto the chat timeout error.
func (s *Service) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewSubSystemError("chat", "Chat.Stream", domain.ErrTimeout, "deadline exceeded")
	}
	return err
}

func (s *Service) apologize(ctx context.Context, sink Sink, entry domain.ModelEntry) (Outcome, error) {
	out := Outcome{Plan: Plan{Mode: ModeApology, Model: entry.Name}}
	s.deps.Metrics.ChatRequest(ModeApology)
	if err := sink.Start(out.Plan); err != nil {
		return out, err
	}
	if err := Simulate(ctx, sink, ApologyUnavailable, s.chunkDelay); err != nil {
		return out, err
	}
	return out, sink.Emit(domain.StreamEvent{Type: domain.EventFinish})
}

// Simulate streams text as 4-character text events spaced by delay.
func Simulate(ctx context.Context, sink Emitter, text string, delay time.Duration) error {
	runes := []rune(text)
	for i := 0; i < len(runes); i += 4 {
		end := min(i+4, len(runes))
		if err := sink.Emit(domain.TextEvent(string(runes[i:end]))); err != nil {
			return err
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sinkError marks a failure to deliver an event, which ends the turn
// without an error event.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// argsValue makes tool call arguments safe to embed as JSON.
func argsValue(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		data, _ := json.Marshal(string(raw))
		return data
	}
	return raw
}
