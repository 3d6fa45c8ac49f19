package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect drains a delta channel.
func collect(t *testing.T, ch <-chan domain.StreamDelta) []domain.StreamDelta {
	t.Helper()
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

// joined concatenates the text content of deltas.
func joined(deltas []domain.StreamDelta) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(d.Content)
	}
	return sb.String()
}

// sseServer answers every request with the given SSE lines.
func sseServer(t *testing.T, check func(r *http.Request), lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			io.WriteString(w, l+"\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusError(t *testing.T) {
	cases := map[int]error{
		http.StatusTooManyRequests:       domain.ErrRateLimit,
		http.StatusUnauthorized:          domain.ErrAuthInvalid,
		http.StatusForbidden:             domain.ErrAuthInvalid,
		http.StatusRequestEntityTooLarge: domain.ErrContextOverflow,
		http.StatusInternalServerError:   domain.ErrProviderError,
		http.StatusBadGateway:            domain.ErrProviderError,
		http.StatusTeapot:                domain.ErrProviderError,
	}
	for status, want := range cases {
		err := statusError(status, []byte(`{"error":"detail from api"}`))
		assert.ErrorIs(t, err, want, "status %d", status)
		assert.Contains(t, err.Error(), "detail from api")
	}
}

func TestPlaceToolCall(t *testing.T) {
	calls := placeToolCall(nil, 2, domain.ToolCall{ID: "c"})
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"", "", "c"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})

	calls = placeToolCall(calls, 0, domain.ToolCall{ID: "a"})
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].ID)

	calls = placeToolCall(calls, -1, domain.ToolCall{ID: "d"})
	require.Len(t, calls, 4)
	assert.Equal(t, "d", calls[3].ID)
}

func TestPlaceToolCall_DropsOutOfRangeIndex(t *testing.T) {
	calls := placeToolCall(nil, 100_000_000, domain.ToolCall{ID: "huge"})
	assert.Empty(t, calls)

	calls = placeToolCall([]domain.ToolCall{{ID: "a"}}, maxToolCallSlots, domain.ToolCall{ID: "edge"})
	assert.Len(t, calls, 1)

	calls = placeToolCall(nil, maxToolCallSlots-1, domain.ToolCall{ID: "last"})
	require.Len(t, calls, maxToolCallSlots)
	assert.Equal(t, "last", calls[maxToolCallSlots-1].ID)
}

func TestToolCallIDOf(t *testing.T) {
	assert.Equal(t, "x", toolCallIDOf(domain.Message{ToolCallID: "x", ToolCalls: []domain.ToolCall{{ID: "y"}}}))
	assert.Equal(t, "y", toolCallIDOf(domain.Message{ToolCalls: []domain.ToolCall{{ID: "y"}}}))
	assert.Empty(t, toolCallIDOf(domain.Message{}))
}

func TestBearer(t *testing.T) {
	assert.Empty(t, bearer(""))
	assert.Equal(t, "Bearer k", bearer("k")["Authorization"])
}

func TestNewHTTPBackend(t *testing.T) {
	b := newHTTPBackend(config.ProviderConfig{Name: "groq", BaseURL: "https://api.groq.com/openai/v1/"}, "https://fallback", newTestLogger())
	assert.Equal(t, "https://api.groq.com/openai/v1", b.baseURL)
	assert.Equal(t, "groq", b.Name())

	b = newHTTPBackend(config.ProviderConfig{Name: "openai"}, "https://fallback", newTestLogger())
	assert.Equal(t, "https://fallback", b.baseURL)
}

func TestDecodeReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "1", r.Header.Get("X-Custom"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["q"]})
	}))
	defer srv.Close()

	got, err := decodeReply[map[string]string](context.Background(), srv.Client(),
		apiCall{url: srv.URL, headers: map[string]string{"X-Custom": "1"}, body: map[string]string{"q": "login"}})
	require.NoError(t, err)
	assert.Equal(t, "login", got["echo"])
}

func TestDecodeReply_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbled" {
			io.WriteString(w, "{")
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	_, err := decodeReply[map[string]any](context.Background(), srv.Client(), apiCall{url: srv.URL, body: struct{}{}})
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)

	_, err = decodeReply[map[string]any](context.Background(), srv.Client(), apiCall{url: srv.URL + "/garbled", body: struct{}{}})
	assert.ErrorContains(t, err, "unmarshal response")

	_, err = decodeReply[map[string]any](context.Background(), srv.Client(), apiCall{url: srv.URL, body: func() {}})
	assert.ErrorContains(t, err, "marshal request")
}

func TestBackendStream(t *testing.T) {
	srv := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
	}, `data: "a"`, `data: "b"`, "data: [DONE]")

	b := newHTTPBackend(config.ProviderConfig{Name: "test", BaseURL: srv.URL}, "", newTestLogger())
	ch, err := b.stream(context.Background(), "m", apiCall{url: srv.URL, body: struct{}{}}, textParser)
	require.NoError(t, err)

	deltas := collect(t, ch)
	assert.Equal(t, "ab", joined(deltas))
	assert.True(t, deltas[len(deltas)-1].Done)
}

func TestBackendStream_OpenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := newHTTPBackend(config.ProviderConfig{Name: "test", BaseURL: srv.URL}, "", newTestLogger())
	_, err := b.stream(context.Background(), "m", apiCall{url: srv.URL, body: struct{}{}}, textParser)
	assert.True(t, errors.Is(err, domain.ErrRateLimit), "got %v", err)
}

func TestParseCompletionChunk_HugeToolIndex(t *testing.T) {
	d, err := parseCompletionChunk([]byte(`{"choices":[{"delta":{"tool_calls":[` +
		`{"index":100000000,"id":"bad","function":{"name":"x"}},` +
		`{"index":0,"id":"ok","function":{"name":"y","arguments":"{}"}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "ok", d.ToolCalls[0].ID)
}
