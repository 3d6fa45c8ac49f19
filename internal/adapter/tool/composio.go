package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

const (
	defaultComposioBaseURL = "https://backend.composio.dev"
	defaultComposioUserID  = "default"
	defaultComposioTimeout = 30 * time.Second

	// maxCatalogBody bounds catalog pass-through responses.
	maxCatalogBody = 8 << 20
)

// Composio talks to the hosted Composio v3 API: tool catalog browsing and
// tool execution. Every call takes the API key explicitly so a caller's
// key can override the server default per request.
type Composio struct {
	baseURL    string
	defaultKey string
	userID     string
	client     *http.Client
	logger     *slog.Logger
}

// NewComposio creates a Composio client from configuration.
func NewComposio(cfg config.ComposioConfig, logger *slog.Logger) *Composio {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultComposioBaseURL
	}
	userID := cfg.UserID
	if userID == "" {
		userID = defaultComposioUserID
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultComposioTimeout
	}
	return &Composio{
		baseURL:    baseURL,
		defaultKey: cfg.APIKey,
		userID:     userID,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Key returns override when set, else the server default key.
func (c *Composio) Key(override string) string {
	if override != "" {
		return override
	}
	return c.defaultKey
}

// ListTools proxies GET /api/v3/tools and returns the raw body.
func (c *Composio) ListTools(ctx context.Context, apiKey string, q url.Values) ([]byte, error) {
	return c.get(ctx, apiKey, "/api/v3/tools", q)
}

// ListToolkits proxies GET /api/v3/toolkits.
func (c *Composio) ListToolkits(ctx context.Context, apiKey string, q url.Values) ([]byte, error) {
	return c.get(ctx, apiKey, "/api/v3/toolkits", q)
}

// ToolkitTools lists the tools of one toolkit.
func (c *Composio) ToolkitTools(ctx context.Context, apiKey, slug string, q url.Values) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("toolkit_slug", slug)
	return c.get(ctx, apiKey, "/api/v3/tools", q)
}

func (c *Composio) get(ctx context.Context, apiKey, path string, q url.Values) ([]byte, error) {
	if apiKey == "" {
		return nil, domain.NewSubSystemError("composio", "Composio.get", domain.ErrToolsCredential, path)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("composio %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		return nil, fmt.Errorf("read composio response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{Service: "composio", Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

// composioToolInfo is one item of the /api/v3/tools listing.
type composioToolInfo struct {
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	InputParameters json.RawMessage `json:"input_parameters"`
}

type composioToolList struct {
	Items      []composioToolInfo `json:"items"`
	NextCursor *string            `json:"next_cursor"`
}

// Tools implements domain.ToolSource. ids are Composio tool slugs and are
// forwarded verbatim; unknown slugs simply yield no tool.
func (c *Composio) Tools(ctx context.Context, ids []string, credential string) ([]domain.Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	key := c.Key(credential)
	if key == "" {
		return nil, domain.NewSubSystemError("composio", "Composio.Tools", domain.ErrToolsCredential, "")
	}

	q := url.Values{}
	q.Set("tool_slugs", strings.Join(ids, ","))
	q.Set("limit", strconv.Itoa(len(ids)))
	body, err := c.get(ctx, key, "/api/v3/tools", q)
	if err != nil {
		return nil, err
	}

	var list composioToolList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode composio tools: %w", err)
	}

	tools := make([]domain.Tool, 0, len(list.Items))
	for _, info := range list.Items {
		tools = append(tools, &composioTool{client: c, key: key, info: info})
	}
	c.logger.Debug("composio tools resolved", "requested", len(ids), "resolved", len(tools))
	return tools, nil
}

type executeRequest struct {
	UserID    string          `json:"user_id"`
	Arguments json.RawMessage `json:"arguments"`
}

type executeResponse struct {
	Data       json.RawMessage `json:"data"`
	Successful bool            `json:"successful"`
	Error      *string         `json:"error"`
}

// Execute runs a tool by slug and returns its data payload.
func (c *Composio) Execute(ctx context.Context, apiKey, slug string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	payload, err := json.Marshal(executeRequest{UserID: c.userID, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v3/tools/execute/"+url.PathEscape(slug), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("composio execute %s: %w", slug, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		return nil, fmt.Errorf("read composio response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{Service: "composio", Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	if !out.Successful {
		msg := "tool reported failure"
		if out.Error != nil && *out.Error != "" {
			msg = *out.Error
		}
		return out.Data, domain.NewDomainError("Composio.Execute", domain.ErrToolFailure, slug+": "+msg)
	}
	if len(out.Data) == 0 {
		return json.RawMessage("{}"), nil
	}
	return out.Data, nil
}

// composioTool is one resolved Composio tool bound to the key that
// resolved it.
type composioTool struct {
	client *Composio
	key    string
	info   composioToolInfo
}

func (t *composioTool) Name() string        { return t.info.Slug }
func (t *composioTool) Description() string { return t.info.Description }

func (t *composioTool) Schema() domain.ToolSchema {
	params := t.info.InputParameters
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return domain.ToolSchema{
		Name:        t.info.Slug,
		Description: t.info.Description,
		Parameters:  params,
	}
}

func (t *composioTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	data, err := t.client.Execute(ctx, t.key, t.info.Slug, params)
	if err != nil {
		return ErrResult("%v", err)
	}
	return &domain.ToolResult{Content: string(data)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
