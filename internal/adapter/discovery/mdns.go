// Package discovery announces and finds testscribe servers on the local
// network with mDNS/DNS-SD.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_testscribe._tcp"
	mdnsDomain  = "local."

	// DefaultScanTimeout bounds a Discover call.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNotFound is returned when a scan finds no server.
var ErrNotFound = errors.New("no testscribe server found on the local network")

// Server is a discovered server.
type Server struct {
	Name    string
	URL     string
	Version string
}

// Advertise registers a server listening on port until ctx is done.
func Advertise(ctx context.Context, name string, port int, version string, logger *slog.Logger) error {
	txt := []string{"version=" + version, "scheme=http"}
	server, err := zeroconf.Register(name, serviceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Discover browses for servers until timeout and returns every one that
// answered, in arrival order.
func Discover(ctx context.Context, timeout time.Duration, logger *slog.Logger) ([]Server, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Server, 1)
	go func() {
		var found []Server
		for entry := range entries {
			if s, ok := entryToServer(entry); ok {
				logger.Debug("mdns discovered server", "name", s.Name, "url", s.URL)
				found = append(found, s)
			}
		}
		done <- found
	}()

	if err := resolver.Browse(scanCtx, serviceType, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-scanCtx.Done()
	return <-done, nil
}

// First returns the URL of the first server found.
func First(ctx context.Context, timeout time.Duration, logger *slog.Logger) (string, error) {
	servers, err := Discover(ctx, timeout, logger)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", ErrNotFound
	}
	return servers[0].URL, nil
}

// Port extracts the numeric port from a listen address such as ":3000".
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("address %q has no fixed port", addr)
	}
	return port, nil
}

func entryToServer(entry *zeroconf.ServiceEntry) (Server, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Server{}, false
	}
	meta := parseTXT(entry.Text)
	scheme := meta["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	return Server{
		Name:    entry.Instance,
		URL:     scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		Version: meta["version"],
	}, true
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}
