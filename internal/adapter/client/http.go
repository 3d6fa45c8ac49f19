// Package client implements the chat transports and API calls used by the
// terminal front-end: plain HTTP and a multiplexed websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/domain"
	"testscribe/internal/usecase/conversation"
	"testscribe/internal/usecase/format"
)

const maxAPIBody = 32 << 20

// Decoders picks the stream decoder for a chat response.
func Decoders(contentType string) (conversation.Decoder, bool) {
	d, ok := eventstream.DecoderFor(contentType)
	if !ok {
		return nil, false
	}
	return d, true
}

// HTTP talks to the server's REST API. Chat replies are streamed.
type HTTP struct {
	baseURL string
	format  eventstream.Format
	client  *http.Client
}

// NewHTTP creates an HTTP client for the server at baseURL. format selects
// the stream format requested from /api/chat.
func NewHTTP(baseURL string, format eventstream.Format, hc *http.Client) *HTTP {
	if hc == nil {
		// No overall timeout: a chat stream lives as long as the reply.
		hc = &http.Client{}
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), format: format, client: hc}
}

// Send posts a chat turn. The response is handed back whatever its status:
// the server answers failures with a readable stream too.
func (h *HTTP) Send(ctx context.Context, turn domain.ChatTurnRequest) (*conversation.Response, error) {
	body, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.format == eventstream.FormatNDJSON {
		req.Header.Set("Accept", eventstream.ContentTypeNDJSON)
	} else {
		req.Header.Set("Accept", "text/plain")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post /api/chat: %w", err)
	}
	if resp.StatusCode >= 400 {
		if _, ok := eventstream.FormatOf(resp.Header.Get("Content-Type")); !ok {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &domain.UpstreamError{Service: "chat", Status: resp.StatusCode, Body: string(data)}
		}
	}
	return &conversation.Response{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}

// Format asks the server to rewrite text as a structured prompt. An empty
// result means the server could not format it.
func (h *HTTP) Format(ctx context.Context, in format.Request) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := h.postJSON(ctx, "/api/format", in, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Context downloads the reference text for a framework.
func (h *HTTP) Context(ctx context.Context, key domain.FrameworkContextKey) (string, error) {
	q := url.Values{"key": {string(key)}}
	data, err := h.get(ctx, "/api/context", q, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Tools lists tools from the hosted catalog. composioKey, when set,
// overrides the server's key.
func (h *HTTP) Tools(ctx context.Context, q url.Values, composioKey string) (json.RawMessage, error) {
	return h.get(ctx, "/api/tools", q, composioHeader(composioKey))
}

// Toolkits lists toolkits from the hosted catalog.
func (h *HTTP) Toolkits(ctx context.Context, q url.Values, composioKey string) (json.RawMessage, error) {
	return h.get(ctx, "/api/toolkits", q, composioHeader(composioKey))
}

// ToolkitTools lists the tools of one toolkit.
func (h *HTTP) ToolkitTools(ctx context.Context, slug string, q url.Values, composioKey string) (json.RawMessage, error) {
	return h.get(ctx, "/api/toolkits/"+url.PathEscape(slug)+"/tools", q, composioHeader(composioKey))
}

// Health pings the server.
func (h *HTTP) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := h.get(ctx, "/healthz", nil, nil)
	return err
}

func composioHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	return http.Header{"X-Client-Composio-Key": {key}}
}

func (h *HTTP) get(ctx context.Context, path string, q url.Values, hdr http.Header) ([]byte, error) {
	u := h.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	return h.do(req, path)
}

func (h *HTTP) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	data, err := h.do(req, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (h *HTTP) do(req *http.Request, path string) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{Service: strings.TrimPrefix(path, "/"), Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
