package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

func TestFactoryKeyResolution(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(completionResponse{Choices: []completionChoice{{Message: completionMessage{Role: "assistant", Content: "ok"}}}})
	}))
	defer server.Close()

	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "openai", BaseURL: server.URL, APIKey: "server-key"},
		{Name: "groq", BaseURL: server.URL},
	}}, newTestLogger())

	p, err := f.Provider(context.Background(), domain.FamilyOpenAI, domain.ProviderKeys{})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), domain.ChatRequest{Model: "gpt-4.1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer server-key", auth)

	p, err = f.Provider(context.Background(), domain.FamilyOpenAI, domain.ProviderKeys{OpenAI: "user-key"})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), domain.ChatRequest{Model: "gpt-4.1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-key", auth)

	_, err = f.Provider(context.Background(), domain.FamilyGroq, domain.ProviderKeys{OpenAI: "wrong-family"})
	require.ErrorIs(t, err, domain.ErrAuthInvalid)

	p, err = f.Provider(context.Background(), domain.FamilyGroq, domain.ProviderKeys{Groq: "gsk"})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), domain.ChatRequest{Model: "llama-3.3-70b-versatile"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer gsk", auth)
}

func TestFactoryUnconfiguredFamily(t *testing.T) {
	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "openai", APIKey: "k"}}}, newTestLogger())

	_, err := f.Provider(context.Background(), domain.FamilyAnthropic, domain.ProviderKeys{Anthropic: "k"})
	require.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Nil(t, f.Ollama())
	assert.Equal(t, []domain.ProviderFamily{domain.FamilyOpenAI}, f.Families())
}

func TestFactoryIgnoresUnknownFamily(t *testing.T) {
	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "openrouter", APIKey: "k"}}}, newTestLogger())
	assert.Empty(t, f.Families())
}

func TestFactoryOllamaNeedsNoKey(t *testing.T) {
	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "ollama", BaseURL: "http://127.0.0.1:1"}}}, newTestLogger())

	p, err := f.Provider(context.Background(), domain.FamilyOllama, domain.ProviderKeys{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	assert.NotNil(t, f.Ollama())
}

func TestFactoryBreakerWrapsProviders(t *testing.T) {
	f := NewFactory(config.LLMConfig{
		Providers:      []config.ProviderConfig{{Name: "google", APIKey: "k"}},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}, newTestLogger())

	a, err := f.Provider(context.Background(), domain.FamilyGoogle, domain.ProviderKeys{})
	require.NoError(t, err)
	b, err := f.Provider(context.Background(), domain.FamilyGoogle, domain.ProviderKeys{Google: "other"})
	require.NoError(t, err)

	ca, ok := a.(*CircuitBreakerProvider)
	require.True(t, ok)
	cbp, ok := b.(*CircuitBreakerProvider)
	require.True(t, ok)
	assert.Same(t, ca.breaker, cbp.breaker, "keyed copies share the family breaker")
}

func TestFactoryBedrockLazyOnce(t *testing.T) {
	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "bedrock", Region: "eu-west-1"}}}, newTestLogger())

	calls := 0
	f.newBedrock = func(_ context.Context, pc config.ProviderConfig) (domain.StreamingLLMProvider, error) {
		calls++
		assert.Equal(t, "eu-west-1", pc.Region)
		return newStub("bedrock", nil), nil
	}

	for i := 0; i < 3; i++ {
		p, err := f.Provider(context.Background(), domain.FamilyBedrock, domain.ProviderKeys{})
		require.NoError(t, err)
		assert.Equal(t, "bedrock", p.Name())
	}
	assert.Equal(t, 1, calls)
}

func TestFactoryBedrockInitError(t *testing.T) {
	f := NewFactory(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "bedrock"}}}, newTestLogger())
	f.newBedrock = func(context.Context, config.ProviderConfig) (domain.StreamingLLMProvider, error) {
		return nil, errors.New("no credentials")
	}

	_, err := f.Provider(context.Background(), domain.FamilyBedrock, domain.ProviderKeys{})
	require.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Contains(t, err.Error(), "no credentials")
}
