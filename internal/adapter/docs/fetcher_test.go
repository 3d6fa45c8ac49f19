package docs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/metrics"
)

func newTestFetcher(t *testing.T, h http.HandlerFunc) (*Fetcher, *metrics.Metrics, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	m := metrics.New()
	f := NewFetcher(config.ContextConfig{
		Sources: map[string]string{
			"playwright": srv.URL + "/playwright/llms.txt",
			"cypress":    srv.URL + "/cypress/llms.txt",
			"bogus":      srv.URL + "/bogus",
		},
	}, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f, m, &hits
}

func TestFetch_OKAndCached(t *testing.T) {
	var gotUA string
	f, m, hits := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		io.WriteString(w, "docs for "+r.URL.Path)
	})

	text, err := f.Fetch(context.Background(), "playwright")
	require.NoError(t, err)
	assert.Equal(t, "docs for /playwright/llms.txt", text)
	assert.Equal(t, "testscribe/1.0", gotUA)

	text, err = f.Fetch(context.Background(), "playwright")
	require.NoError(t, err)
	assert.Equal(t, "docs for /playwright/llms.txt", text)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextFetches.WithLabelValues("playwright", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextFetches.WithLabelValues("playwright", OutcomeHit)))
}

func TestFetch_CacheExpires(t *testing.T) {
	f, _, hits := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	})
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	_, err := f.Fetch(context.Background(), "cypress")
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = f.Fetch(context.Background(), "cypress")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_UnknownKey(t *testing.T) {
	f, _, hits := newTestFetcher(t, func(http.ResponseWriter, *http.Request) {})

	for _, key := range []string{"", "bogus", "selenium", "PLAYWRIGHT"} {
		_, err := f.Fetch(context.Background(), key)
		assert.ErrorIs(t, err, domain.ErrUnknownContext, key)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetch_UpstreamStatus(t *testing.T) {
	f, m, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	})

	_, err := f.Fetch(context.Background(), "playwright")
	var up *domain.UpstreamError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusTooManyRequests, up.Status)
	assert.Equal(t, domain.CodeContextUpstream, domain.ErrorCodeOf(err))
	assert.Equal(t, 0, f.CacheSize())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextFetches.WithLabelValues("playwright", OutcomeUpstream)))
}

func TestFetch_ConcurrentMissesCollapse(t *testing.T) {
	release := make(chan struct{})
	f, _, hits := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "shared")
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.Fetch(context.Background(), "playwright")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestFetch_CallerCancelDoesNotPoisonOthers(t *testing.T) {
	release := make(chan struct{})
	f, _, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "late")
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, "playwright")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	text, err := f.Fetch(context.Background(), "playwright")
	require.NoError(t, err)
	assert.Equal(t, "late", text)
}

func TestKeysAndInvalidate(t *testing.T) {
	f, _, hits := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	})
	assert.Equal(t, []domain.FrameworkContextKey{domain.ContextPlaywright, domain.ContextCypress}, f.Keys())

	_, _ = f.Fetch(context.Background(), "playwright")
	f.Invalidate(domain.ContextPlaywright)
	assert.Equal(t, 0, f.CacheSize())
	_, _ = f.Fetch(context.Background(), "playwright")
	assert.Equal(t, int32(2), hits.Load())
}

func TestRefresh_ReplacesCacheAndKeepsOldOnFailure(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	f, m, hits := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cypress/llms.txt" && version.Load() > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "%s v%d", r.URL.Path, version.Load())
	})

	require.NoError(t, f.Refresh(context.Background()))
	assert.Equal(t, 2, f.CacheSize())
	assert.Equal(t, int32(2), hits.Load())

	version.Store(2)
	err := f.Refresh(context.Background())
	var up *domain.UpstreamError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusServiceUnavailable, up.Status)

	text, err := f.Fetch(context.Background(), "playwright")
	require.NoError(t, err)
	assert.Equal(t, "/playwright/llms.txt v2", text)
	text, err = f.Fetch(context.Background(), "cypress")
	require.NoError(t, err)
	assert.Equal(t, "/cypress/llms.txt v1", text)
	assert.Equal(t, int32(4), hits.Load())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ContextFetches.WithLabelValues("playwright", OutcomeRefresh)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextFetches.WithLabelValues("cypress", OutcomeUpstream)))
}
