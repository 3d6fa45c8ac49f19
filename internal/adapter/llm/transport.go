package llm

import (
	"cmp"
	"net"
	"net/http"
	"time"

	"testscribe/internal/infra/config"
)

// Provider traffic goes to a handful of hosts over long-lived, highly
// concurrent connections.
const (
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport builds the pooled transport behind every provider
// client. Zero or negative pool settings take the defaults.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	positive := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	idle := pool.IdleConnTimeout
	if idle <= 0 {
		idle = defaultIdleConnTimeout
	}
	dialer := &net.Dialer{Timeout: cmp.Or(connTimeout, defaultConnTimeout), KeepAlive: 30 * time.Second}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cmp.Or(respTimeout, defaultRespTimeout),
		MaxIdleConns:          positive(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   positive(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       positive(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       idle,
	}
}

// NewHTTPClient returns a provider client. It has no overall timeout:
// streams are bounded by the request context, and ResponseHeaderTimeout
// covers a provider that never starts answering.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool)}
}
