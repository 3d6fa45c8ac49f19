package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	hstsValue   = "max-age=31536000; includeSubDomains"
	visitorIdle = 3 * time.Minute
	sweepEvery  = time.Minute
)

var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders sets the browser hardening headers. HSTS is only sent
// over TLS.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

// Limits configures RateLimit.
type Limits struct {
	PerMinute int
	Burst     int

	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers name the client.
	TrustedProxies []string

	OnLimited func(r *http.Request)
}

// RateLimit applies a token bucket per client address. Idle buckets are
// swept until ctx is done.
func RateLimit(ctx context.Context, l Limits) func(http.Handler) http.Handler {
	v := &visitors{
		every:   rate.Limit(float64(l.PerMinute) / 60),
		burst:   l.Burst,
		buckets: make(map[string]*bucket),
	}
	go v.sweepUntil(ctx)
	proxies := trustedPrefixes(l.TrustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v.allow(clientIP(r, proxies), time.Now()) {
				next.ServeHTTP(w, r)
				return
			}
			if l.OnLimited != nil {
				l.OnLimited(r)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Rate limit exceeded"}`))
		})
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

type visitors struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

func (v *visitors) allow(key string, now time.Time) bool {
	v.mu.Lock()
	b, ok := v.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(v.every, v.burst)}
		v.buckets[key] = b
	}
	b.seen = now
	v.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep drops buckets not used since before cutoff.
func (v *visitors) sweep(cutoff time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, b := range v.buckets {
		if b.seen.Before(cutoff) {
			delete(v.buckets, key)
		}
	}
}

func (v *visitors) sweepUntil(ctx context.Context) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			v.sweep(now.Add(-visitorIdle))
		}
	}
}

// trustedPrefixes parses proxy entries; a bare address becomes a single
// host prefix and anything unparsable is dropped.
func trustedPrefixes(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
		} else if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// clientIP returns the peer address, or the address a trusted proxy
// forwarded for.
func clientIP(r *http.Request, proxies []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !fromProxy(peer, proxies) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func fromProxy(peer string, proxies []netip.Prefix) bool {
	a, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range proxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
