package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
)

// Local servers answer quickly but may spend minutes loading a model.
const (
	ollamaConnTimeout = 5 * time.Second
	ollamaRespTimeout = 300 * time.Second
	ollamaBaseURL     = "http://localhost:11434"
)

// OllamaProvider serves locally hosted models. Chat and streaming go
// through Ollama's OpenAI-compatible /v1 endpoint; the model inventory
// comes from the native API.
type OllamaProvider struct {
	*OpenAIProvider
	nativeURL string
}

// NewOllamaProvider creates an Ollama provider. No API key is sent.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaRespTimeout
	}
	cfg.APIKey = ""
	backend := newHTTPBackend(cfg, ollamaBaseURL, logger)
	native := backend.baseURL
	backend.baseURL += "/v1"
	return &OllamaProvider{
		OpenAIProvider: &OpenAIProvider{httpBackend: backend},
		nativeURL:      native,
	}
}

// Pulled lists the model tags present on the server, e.g. "llama3:latest".
func (p *OllamaProvider) Pulled(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.nativeURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.NewDomainError("Ollama.Pulled", domain.ErrProviderError, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Missing returns the entries of wanted that are not pulled. A name
// without a tag matches its ":latest" tag.
func (p *OllamaProvider) Missing(ctx context.Context, wanted []string) ([]string, error) {
	pulled, err := p.Pulled(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, w := range wanted {
		tagged := w
		if !strings.Contains(w, ":") {
			tagged = w + ":latest"
		}
		if !slices.Contains(pulled, w) && !slices.Contains(pulled, tagged) {
			missing = append(missing, w)
		}
	}
	return missing, nil
}

// LocalModels returns the model ids of the catalog entries served by
// Ollama, in configuration order.
func LocalModels(extra []config.ModelConfig) []string {
	var ids []string
	for _, m := range extra {
		if m.Family == string(domain.FamilyOllama) && !slices.Contains(ids, m.Model) {
			ids = append(ids, m.Model)
		}
	}
	return ids
}
