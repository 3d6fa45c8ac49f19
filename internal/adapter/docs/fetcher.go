// Package docs fetches framework reference documentation that clients
// attach to a conversation as external context.
package docs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/metrics"
	"testscribe/internal/infra/tracer"
)

// Fetch outcomes reported to metrics.
const (
	OutcomeHit      = "hit"
	OutcomeOK       = "ok"
	OutcomeUpstream = "upstream_error"
	OutcomeError    = "error"
	OutcomeRefresh  = "refreshed"
)

const (
	defaultUserAgent = "testscribe/1.0"
	defaultTTL       = time.Hour
	defaultTimeout   = 20 * time.Second
	maxDocBytes      = 16 << 20
)

// Fetcher proxies a fixed set of documentation sources with an in-process
// TTL cache. Concurrent misses for one key share a single upstream call.
type Fetcher struct {
	sources   map[domain.FrameworkContextKey]string
	userAgent string
	client    *http.Client
	ttl       time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[domain.FrameworkContextKey]cachedDoc
}

type cachedDoc struct {
	text      string
	expiresAt time.Time
}

// NewFetcher builds a fetcher from cfg. Source keys that are not known
// framework contexts are ignored.
func NewFetcher(cfg config.ContextConfig, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		sources:   make(map[domain.FrameworkContextKey]string, len(cfg.Sources)),
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL,
		timeout:   cfg.Timeout,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[domain.FrameworkContextKey]cachedDoc),
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.ttl <= 0 {
		f.ttl = defaultTTL
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	f.client = &http.Client{Timeout: f.timeout}

	for name, url := range cfg.Sources {
		key, ok := domain.ParseFrameworkContextKey(name)
		if !ok {
			logger.Warn("ignoring unknown context source", "key", name)
			continue
		}
		f.sources[key] = url
	}
	return f
}

// Keys lists the configured sources in display order.
func (f *Fetcher) Keys() []domain.FrameworkContextKey {
	keys := make([]domain.FrameworkContextKey, 0, len(f.sources))
	for _, k := range domain.FrameworkContextKeys {
		if _, ok := f.sources[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Fetch returns the documentation text for key. Unknown keys fail with
// domain.ErrUnknownContext; a non-200 upstream answer fails with a
// *domain.UpstreamError carrying the status.
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, error) {
	k, ok := domain.ParseFrameworkContextKey(key)
	url, configured := f.sources[k]
	if !ok || !configured {
		return "", domain.NewDomainError("Fetcher.Fetch", domain.ErrUnknownContext, key)
	}

	if text, hit := f.cached(k); hit {
		f.metrics.ContextFetched(key, OutcomeHit)
		return text, nil
	}

	// The upstream call must survive any single caller going away.
	ch := f.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		text, err := f.download(callCtx, key, url)
		if err != nil {
			return "", err
		}
		f.store(k, text)
		return text, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			f.metrics.ContextFetched(key, outcomeOf(res.Err))
			f.logger.Warn("context fetch failed", "key", key, "error", res.Err)
			return "", res.Err
		}
		f.metrics.ContextFetched(key, OutcomeOK)
		return res.Val.(string), nil
	}
}

func (f *Fetcher) download(ctx context.Context, key, url string) (doc string, err error) {
	ctx, span := tracer.StartSpan(ctx, "docs.fetch")
	span.SetAttributes(tracer.StringAttr("docs.key", key))
	defer func() { tracer.End(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s context: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", domain.NewSubSystemError("context", "Fetcher.Fetch",
			&domain.UpstreamError{Service: "context", Status: resp.StatusCode, Body: string(body)}, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return "", fmt.Errorf("read %s context: %w", key, err)
	}
	span.SetAttributes(tracer.IntAttr("docs.bytes", len(data)))
	return string(data), nil
}

func (f *Fetcher) cached(k domain.FrameworkContextKey) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.cache[k]
	if !ok || !f.now().Before(doc.expiresAt) {
		return "", false
	}
	return doc.text, true
}

func (f *Fetcher) store(k domain.FrameworkContextKey, text string) {
	f.mu.Lock()
	f.cache[k] = cachedDoc{text: text, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

// Invalidate drops cached documents for keys, or all of them when none
// are given.
func (f *Fetcher) Invalidate(keys ...domain.FrameworkContextKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(keys) == 0 {
		f.cache = make(map[domain.FrameworkContextKey]cachedDoc)
		return
	}
	for _, k := range keys {
		delete(f.cache, k)
	}
}

// Refresh downloads every configured source and replaces its cache
// entry. A failed source keeps its previous entry; the failures are
// joined into the returned error.
func (f *Fetcher) Refresh(ctx context.Context) error {
	var errs []error
	for _, k := range f.Keys() {
		key := string(k)
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		text, err := f.download(callCtx, key, f.sources[k])
		cancel()
		if err != nil {
			f.metrics.ContextFetched(key, outcomeOf(err))
			errs = append(errs, err)
			continue
		}
		f.store(k, text)
		f.metrics.ContextFetched(key, OutcomeRefresh)
	}
	return errors.Join(errs...)
}

// CacheSize returns the number of cached documents, expired ones included.
func (f *Fetcher) CacheSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}

func outcomeOf(err error) string {
	var up *domain.UpstreamError
	if errors.As(err, &up) {
		return OutcomeUpstream
	}
	return OutcomeError
}
