package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"testscribe/internal/domain"
	"testscribe/internal/usecase/format"
)

const (
	composioKeyHeader = "X-Client-Composio-Key"
	defaultToolLimit  = "50"
	contextCacheCtl   = "s-maxage=3600, stale-while-revalidate=86400"
)

// Query parameters each catalog route forwards upstream.
var (
	toolParams        = []string{"search", "toolkit_slug", "tags", "important", "tool_slugs", "cursor", "limit"}
	toolkitParams     = []string{"search", "category", "cursor", "limit"}
	toolkitToolParams = []string{"cursor", "limit"}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// handleFormat always answers 200; a failed format is an empty text.
func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req format.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debug("format request not decoded", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"text": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": s.deps.Format.Format(r.Context(), req)})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeText(w, http.StatusBadRequest, "Invalid or missing key")
		return
	}

	text, err := s.deps.Context.Fetch(r.Context(), key)
	if err != nil {
		var upstream *domain.UpstreamError
		switch {
		case errors.Is(err, domain.ErrUnknownContext):
			writeText(w, http.StatusBadRequest, "Invalid or missing key")
		case errors.As(err, &upstream):
			writeText(w, http.StatusBadGateway, fmt.Sprintf("Upstream error (%d)", upstream.Status))
		default:
			s.logger.Warn("context fetch failed", "key", key, "error", err)
			writeText(w, http.StatusInternalServerError, "Failed to fetch context")
		}
		return
	}

	w.Header().Set("Cache-Control", contextCacheCtl)
	writeText(w, http.StatusOK, text)
}

// writeText writes body as-is; unlike http.Error it adds no newline.
func writeText(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	key, ok := s.catalogKey(w, r)
	if !ok {
		return
	}
	q := forward(r.URL.Query(), toolParams)
	if q.Get("limit") == "" {
		q.Set("limit", defaultToolLimit)
	}
	body, err := s.deps.Tools.ListTools(r.Context(), key, q)
	s.writeCatalog(w, body, err, "Failed to fetch tools")
}

func (s *Server) handleToolkits(w http.ResponseWriter, r *http.Request) {
	key, ok := s.catalogKey(w, r)
	if !ok {
		return
	}
	body, err := s.deps.Tools.ListToolkits(r.Context(), key, forward(r.URL.Query(), toolkitParams))
	s.writeCatalog(w, body, err, "Failed to fetch toolkits")
}

func (s *Server) handleToolkitTools(w http.ResponseWriter, r *http.Request) {
	key, ok := s.catalogKey(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")
	body, err := s.deps.Tools.ToolkitTools(r.Context(), key, slug, forward(r.URL.Query(), toolkitToolParams))
	s.writeCatalog(w, body, err, "Failed to fetch tools")
}

// catalogKey picks the caller's key over the server default and answers
// the request itself when neither exists.
func (s *Server) catalogKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := s.deps.Tools.Key(r.Header.Get(composioKeyHeader))
	if key == "" {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "COMPOSIO_API_KEY not configured"})
		return "", false
	}
	return key, true
}

func (s *Server) writeCatalog(w http.ResponseWriter, body []byte, err error, upstreamMsg string) {
	if err != nil {
		var upstream *domain.UpstreamError
		switch {
		case errors.As(err, &upstream):
			s.logger.Warn("tool catalog upstream error", "status", upstream.Status)
			writeJSON(w, upstream.Status, errorBody{Error: upstreamMsg})
		case errors.Is(err, domain.ErrToolsCredential):
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "COMPOSIO_API_KEY not configured"})
		default:
			s.logger.Error("tool catalog request failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// forward copies the non-empty values of names from q.
func forward(q url.Values, names []string) url.Values {
	out := url.Values{}
	for _, name := range names {
		if v := q.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
