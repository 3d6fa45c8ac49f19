// Package format rewrites a draft into a clearer prompt.
package format

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/metrics"
	"testscribe/internal/infra/tracer"
)

// Request outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

const defaultTimeout = 20 * time.Second

var formatterLines = []string{
	"You are a prompt formatter.",
	"Rewrite the user's input into a clear, concise, well-structured prompt.",
	"- Preserve technical details and intent.",
	"- Fix typos and grammar.",
	"- Use bullet points, sections, and code fences where useful.",
	"- Avoid adding assumptions.",
	"Return ONLY the improved prompt text without any preamble or explanation.",
}

// Resolver maps a model name to a catalog entry.
type Resolver interface {
	Resolve(name string) domain.ModelEntry
}

// ProviderSource hands out a provider for a family.
type ProviderSource interface {
	Provider(ctx context.Context, family domain.ProviderFamily, keys domain.ProviderKeys) (domain.StreamingLLMProvider, error)
}

// Request is the body of a format call.
type Request struct {
	Text      string               `json:"text"`
	Model     string               `json:"model,omitempty"`
	PrePrompt string               `json:"prePrompt,omitempty"`
	Keys      *domain.ProviderKeys `json:"keys,omitempty"`
}

// Service formats prompts.
type Service struct {
	models    Resolver
	providers ProviderSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

// NewService creates a format service. A zero timeout means 20s.
func NewService(models Resolver, providers ProviderSource, m *metrics.Metrics, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{models: models, providers: providers, metrics: m, logger: logger, timeout: timeout}
}

// SystemPrompt is the formatter instruction, with prePrompt in front when
// set.
func SystemPrompt(prePrompt string) string {
	p := strings.Join(formatterLines, "\n")
	if pre := strings.TrimSpace(prePrompt); pre != "" {
		p = pre + "\n\n" + p
	}
	return p
}

// Format returns the rewritten text, or "" when the input is blank or
// anything goes wrong. Failures are logged and counted, never returned.
func (s *Service) Format(ctx context.Context, req Request) string {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.metrics.FormatRequest(OutcomeEmpty)
		return ""
	}

	out, err := s.generate(ctx, req, text)
	switch {
	case err == nil:
		s.metrics.FormatRequest(OutcomeOK)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.FormatRequest(OutcomeTimeout)
		s.logger.Warn("format timed out", "model", req.Model, "timeout", s.timeout)
	default:
		s.metrics.FormatRequest(OutcomeError)
		s.logger.Warn("format failed", "model", req.Model, "error", err)
	}
	return out
}

func (s *Service) generate(ctx context.Context, req Request, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "format.generate")
	defer span.End()

	entry := s.models.Resolve(req.Model)
	span.SetAttributes(tracer.StringAttr("format.model", entry.Name))

	var keys domain.ProviderKeys
	if req.Keys != nil {
		keys = *req.Keys
	}
	provider, err := s.providers.Provider(ctx, entry.Family, keys)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: entry.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: SystemPrompt(req.PrePrompt)},
			{Role: domain.RoleUser, Content: text},
		},
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return strings.TrimSpace(resp.Message.Content), nil
}
