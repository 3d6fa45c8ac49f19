package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"testscribe/internal/domain"
	"testscribe/internal/infra/tracer"
)

// Execution outcomes reported to the observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// instrumentedTool runs every call under a span and a deadline and turns
// Go errors into error results so a failing tool never aborts a stream.
type instrumentedTool struct {
	domain.Tool
	timeout time.Duration
	observe func(outcome string)
	logger  *slog.Logger
}

// Instrument wraps t. timeout <= 0 leaves the caller's deadline alone;
// observe may be nil.
func Instrument(t domain.Tool, timeout time.Duration, observe func(outcome string), logger *slog.Logger) domain.Tool {
	return &instrumentedTool{Tool: t, timeout: timeout, observe: observe, logger: logger}
}

func (t *instrumentedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	name := t.Name()
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := t.Tool.Execute(ctx, params)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		t.report(outcome)
		tracer.RecordError(span, err)

		transient := classifyToolError(err)
		t.logger.Warn("tool execution failed",
			"tool", name,
			"error", err,
			"transient", transient,
			"duration", time.Since(start),
		)
		content := domain.NewDomainError("tool."+name, domain.ErrToolFailure, err.Error()).Error()
		if transient {
			content += " (transient error, may succeed on retry)"
		}
		return &domain.ToolResult{IsError: true, Content: content}, nil
	}
	if result == nil {
		result = &domain.ToolResult{}
	}

	if result.IsError {
		t.report(OutcomeError)
		tracer.RecordError(span, fmt.Errorf("%s", result.Content))
	} else {
		t.report(OutcomeOK)
		tracer.SetOK(span)
	}
	t.logger.Debug("tool executed", "tool", name, "is_error", result.IsError, "duration", time.Since(start))
	return result, nil
}

func (t *instrumentedTool) report(outcome string) {
	if t.observe != nil {
		t.observe(outcome)
	}
}

// ErrResult builds an error result for problems the model should see
// rather than ones the operator should be paged about.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}, nil
}
