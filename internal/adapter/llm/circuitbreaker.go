package llm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*CircuitBreakerProvider)(nil)
	_ domain.StreamingLLMProvider = (*CircuitBreakerProvider)(nil)
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// Breaker is shared by every provider instance of one family, so keyed
// copies trip together.
type Breaker = gobreaker.CircuitBreaker[*domain.ChatResponse]

// StateObserver is told about every breaker transition of a family.
type StateObserver func(family string, to gobreaker.State)

// NewBreaker creates the breaker for a provider family. It trips after
// MaxFailures consecutive upstream failures and lets one probe through
// once Timeout has passed. observe may be nil.
func NewBreaker(family string, cfg config.CircuitBreakerConfig, logger *slog.Logger, observe StateObserver) *Breaker {
	trip := cmp.Or(cfg.MaxFailures, defaultCBMaxFailures)
	return gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + family,
		MaxRequests: 1,
		Interval:    cmp.Or(cfg.Interval, defaultCBInterval),
		Timeout:     cmp.Or(cfg.Timeout, defaultCBTimeout),
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit changed", "breaker", name, "from", from.String(), "to", to.String())
			if observe != nil {
				observe(family, to)
			}
		},
		IsSuccessful: notUpstreamFailure,
	})
}

// notUpstreamFailure keeps caller-side problems from tripping the
// breaker: a bad BYOK key, a cancelled request or an oversized prompt
// say nothing about the provider's health.
func notUpstreamFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, domain.ErrAuthInvalid),
		errors.Is(err, domain.ErrContextOverflow),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// CircuitBreakerProvider fails fast with domain.ErrCircuitOpen while its
// family's breaker is open.
type CircuitBreakerProvider struct {
	inner   domain.StreamingLLMProvider
	breaker *Breaker
}

func WithBreaker(inner domain.StreamingLLMProvider, cb *Breaker) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{inner: inner, breaker: cb}
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	return resp, p.circuitErr(err)
}

// ChatStream guards opening the stream only. Failures after the first
// byte travel on the channel and are not counted.
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var ch <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (_ *domain.ChatResponse, err error) {
		ch, err = p.inner.ChatStream(ctx, req)
		return nil, err
	})
	if err != nil {
		return nil, p.circuitErr(err)
	}
	return ch, nil
}

func (p *CircuitBreakerProvider) circuitErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q: %w: %v", p.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return err
}
