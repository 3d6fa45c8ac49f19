package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

// Factory hands out providers per request. It holds one base provider
// per configured family; a caller-supplied key yields a copy of that
// provider sharing its connection pool and circuit breaker.
type Factory struct {
	logger   *slog.Logger
	configs  map[domain.ProviderFamily]config.ProviderConfig
	breakers map[domain.ProviderFamily]*Breaker

	openai    *OpenAIProvider
	groq      *OpenAIProvider
	anthropic *AnthropicProvider
	gemini    *GeminiProvider
	ollama    *OllamaProvider

	bedrockOnce sync.Once
	bedrock     domain.StreamingLLMProvider
	bedrockErr  error

	// newBedrock is swapped in tests.
	newBedrock func(ctx context.Context, cfg config.ProviderConfig) (domain.StreamingLLMProvider, error)

	observe StateObserver
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithCircuitObserver reports breaker transitions, e.g. to metrics.
func WithCircuitObserver(fn StateObserver) FactoryOption {
	return func(f *Factory) { f.observe = fn }
}

// NewFactory builds base providers for every family named in cfg.Providers.
func NewFactory(cfg config.LLMConfig, logger *slog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		logger:   logger,
		configs:  make(map[domain.ProviderFamily]config.ProviderConfig),
		breakers: make(map[domain.ProviderFamily]*Breaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.newBedrock = func(ctx context.Context, pc config.ProviderConfig) (domain.StreamingLLMProvider, error) {
		return NewBedrockProvider(ctx, pc, logger)
	}

	for _, pc := range cfg.Providers {
		family := domain.ProviderFamily(pc.Name)
		f.configs[family] = pc
		switch family {
		case domain.FamilyOpenAI:
			f.openai = NewOpenAIProvider(pc, logger)
		case domain.FamilyGroq:
			f.groq = NewOpenAIProvider(pc, logger)
		case domain.FamilyAnthropic:
			f.anthropic = NewAnthropicProvider(pc, logger)
		case domain.FamilyGoogle:
			f.gemini = NewGeminiProvider(pc, logger)
		case domain.FamilyOllama:
			f.ollama = NewOllamaProvider(pc, logger)
		case domain.FamilyBedrock:
		default:
			logger.Warn("ignoring unknown provider family", "name", pc.Name)
			delete(f.configs, family)
			continue
		}
		if cfg.CircuitBreaker.Enabled {
			f.breakers[family] = NewBreaker(pc.Name, cfg.CircuitBreaker, logger, f.observe)
		}
	}
	return f
}

// Provider returns a provider for family authenticated with the caller's
// key when present, else with the configured server key. Hosted families
// without any key fail with domain.ErrAuthInvalid.
func (f *Factory) Provider(ctx context.Context, family domain.ProviderFamily, keys domain.ProviderKeys) (domain.StreamingLLMProvider, error) {
	pc, ok := f.configs[family]
	if !ok {
		return nil, domain.NewDomainError("Factory.Provider", domain.ErrProviderNotFound, string(family))
	}

	key := keys.For(family)
	if key == "" {
		key = pc.APIKey
	}

	var p domain.StreamingLLMProvider
	switch family {
	case domain.FamilyOpenAI, domain.FamilyGroq, domain.FamilyAnthropic, domain.FamilyGoogle:
		if key == "" {
			return nil, domain.NewDomainError("Factory.Provider", domain.ErrAuthInvalid,
				fmt.Sprintf("no API key for %s", family))
		}
		p = f.keyed(family, key)
	case domain.FamilyOllama:
		p = f.ollama
	case domain.FamilyBedrock:
		f.bedrockOnce.Do(func() {
			f.bedrock, f.bedrockErr = f.newBedrock(ctx, pc)
		})
		if f.bedrockErr != nil {
			return nil, domain.NewDomainError("Factory.Provider", domain.ErrProviderNotFound, f.bedrockErr.Error())
		}
		p = f.bedrock
	}

	if cb, ok := f.breakers[family]; ok {
		return WithBreaker(p, cb), nil
	}
	return p, nil
}

func (f *Factory) keyed(family domain.ProviderFamily, key string) domain.StreamingLLMProvider {
	switch family {
	case domain.FamilyOpenAI:
		return f.openai.WithAPIKey(key)
	case domain.FamilyGroq:
		return f.groq.WithAPIKey(key)
	case domain.FamilyAnthropic:
		return f.anthropic.WithAPIKey(key)
	default:
		return f.gemini.WithAPIKey(key)
	}
}

// Families lists the configured provider families.
func (f *Factory) Families() []domain.ProviderFamily {
	out := make([]domain.ProviderFamily, 0, len(f.configs))
	for _, fam := range []domain.ProviderFamily{
		domain.FamilyOpenAI, domain.FamilyAnthropic, domain.FamilyGoogle,
		domain.FamilyGroq, domain.FamilyOllama, domain.FamilyBedrock,
	} {
		if _, ok := f.configs[fam]; ok {
			out = append(out, fam)
		}
	}
	return out
}

// Ollama returns the local provider, or nil when not configured.
func (f *Factory) Ollama() *OllamaProvider { return f.ollama }
