package format

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
	"testscribe/internal/infra/metrics"
)

type fakeProvider struct {
	reply string
	err   error
	block bool
	got   domain.ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.got = req
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: p.reply}}, nil
}

func (p *fakeProvider) ChatStream(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return nil, errors.New("not used")
}

type fakeProviders struct {
	p    *fakeProvider
	err  error
	keys domain.ProviderKeys
}

func (f *fakeProviders) Provider(_ context.Context, _ domain.ProviderFamily, keys domain.ProviderKeys) (domain.StreamingLLMProvider, error) {
	f.keys = keys
	if f.err != nil {
		return nil, f.err
	}
	return f.p, nil
}

type fixedModel struct{}

func (fixedModel) Resolve(name string) domain.ModelEntry {
	if name == "Llama 3.3 70B" {
		return domain.ModelEntry{Name: name, Family: domain.FamilyGroq, Model: "llama-3.3-70b-versatile"}
	}
	return domain.ModelEntry{Name: "gemini-2.5-flash", Family: domain.FamilyGoogle, Model: "gemini-2.5-flash"}
}

func newTestService(p *fakeProviders, timeout time.Duration) (*Service, *metrics.Metrics) {
	m := metrics.New()
	return NewService(fixedModel{}, p, m, timeout, slog.New(slog.NewTextHandler(io.Discard, nil))), m
}

func TestFormat_Success(t *testing.T) {
	fp := &fakeProvider{reply: "  - Click submit\n"}
	s, m := newTestService(&fakeProviders{p: fp}, 0)

	got := s.Format(context.Background(), Request{Text: "  click submit pls ", Model: "Llama 3.3 70B"})
	assert.Equal(t, "- Click submit", got)

	assert.Equal(t, "llama-3.3-70b-versatile", fp.got.Model)
	require.Len(t, fp.got.Messages, 2)
	assert.Equal(t, strings.Join(formatterLines, "\n"), fp.got.Messages[0].Content)
	assert.Equal(t, "click submit pls", fp.got.Messages[1].Content)
	assert.False(t, fp.got.Stream)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FormatRequests.WithLabelValues(OutcomeOK)))
}

func TestFormat_BlankInputSkipsProvider(t *testing.T) {
	fp := &fakeProvider{reply: "x"}
	s, m := newTestService(&fakeProviders{p: fp}, 0)

	assert.Equal(t, "", s.Format(context.Background(), Request{Text: " \n\t"}))
	assert.Empty(t, fp.got.Messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FormatRequests.WithLabelValues(OutcomeEmpty)))
}

func TestFormat_FailuresReturnEmpty(t *testing.T) {
	tests := []struct {
		name    string
		p       *fakeProviders
		outcome string
	}{
		{"provider unavailable", &fakeProviders{err: domain.ErrAuthInvalid}, OutcomeError},
		{"generation error", &fakeProviders{p: &fakeProvider{err: errors.New("500")}}, OutcomeError},
		{"deadline", &fakeProviders{p: &fakeProvider{block: true}}, OutcomeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestService(tt.p, 10*time.Millisecond)
			assert.Equal(t, "", s.Format(context.Background(), Request{Text: "draft"}))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.FormatRequests.WithLabelValues(tt.outcome)))
		})
	}
}

func TestFormat_ForwardsKeys(t *testing.T) {
	fps := &fakeProviders{p: &fakeProvider{reply: "ok"}}
	s, _ := newTestService(fps, 0)
	s.Format(context.Background(), Request{Text: "x", Keys: &domain.ProviderKeys{Google: "g-key"}})
	assert.Equal(t, "g-key", fps.keys.Google)
}

func TestSystemPrompt(t *testing.T) {
	base := SystemPrompt("")
	assert.True(t, strings.HasPrefix(base, "You are a prompt formatter.\n"))
	assert.True(t, strings.HasSuffix(base, "without any preamble or explanation."))
	assert.Equal(t, "Target Cypress.\n\n"+base, SystemPrompt("  Target Cypress. "))
}
