package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"testscribe/internal/domain"
)

type outcomeLog []string

func (o *outcomeLog) observe(outcome string) { *o = append(*o, outcome) }

func TestInstrument_Success(t *testing.T) {
	var outcomes outcomeLog
	inner := &stubTool{name: "ok", result: &domain.ToolResult{Content: `{"n":1}`}}

	result, err := Instrument(inner, time.Second, outcomes.observe, nopLogger()).
		Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || result.Content != `{"n":1}` {
		t.Errorf("result = %+v", result)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeOK {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestInstrument_ErrorResult(t *testing.T) {
	var outcomes outcomeLog
	inner := &stubTool{name: "soft", result: &domain.ToolResult{Content: "nope", IsError: true}}

	result, err := Instrument(inner, 0, outcomes.observe, nopLogger()).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result to pass through")
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeError {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestInstrument_GoErrorBecomesResult(t *testing.T) {
	var outcomes outcomeLog
	inner := &stubTool{name: "hard", err: errors.New("invalid selector")}

	result, err := Instrument(inner, 0, outcomes.observe, nopLogger()).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute must not return Go errors, got %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "invalid selector") {
		t.Errorf("content = %q", result.Content)
	}
	if strings.Contains(result.Content, "transient") {
		t.Errorf("permanent error marked transient: %q", result.Content)
	}
	if outcomes[0] != OutcomeError {
		t.Errorf("outcome = %s", outcomes[0])
	}
}

func TestInstrument_TransientHint(t *testing.T) {
	inner := &stubTool{name: "flaky", err: fmt.Errorf("dial: connection refused")}
	result, _ := Instrument(inner, 0, nil, nopLogger()).Execute(context.Background(), nil)
	if !strings.Contains(result.Content, "transient error") {
		t.Errorf("content = %q", result.Content)
	}
}

type slowTool struct{ stubTool }

func (s *slowTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInstrument_Timeout(t *testing.T) {
	var outcomes outcomeLog
	inner := &slowTool{stubTool{name: "slow"}}

	result, err := Instrument(inner, 20*time.Millisecond, outcomes.observe, nopLogger()).
		Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result on timeout")
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeTimeout {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestInstrument_NilResult(t *testing.T) {
	result, err := Instrument(&stubTool{name: "nil"}, 0, nil, nopLogger()).Execute(context.Background(), nil)
	if err != nil || result == nil || result.IsError {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
}

func TestErrResult(t *testing.T) {
	r, err := ErrResult("bad %s", "thing")
	if err != nil || !r.IsError || r.Content != "bad thing" {
		t.Errorf("ErrResult = %+v, %v", r, err)
	}
}
