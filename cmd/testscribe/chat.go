package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"testscribe/internal/adapter/client"
	"testscribe/internal/adapter/discovery"
	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/adapter/store"
	"testscribe/internal/adapter/tui/repl"
	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/logger"
	"testscribe/internal/security"
	"testscribe/internal/usecase/conversation"
)

func runChat(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	// The REPL owns the terminal; logs go to a file in the data dir
	// unless the config names an output explicitly.
	logCfg := cfg.Logger
	if logCfg.Output == "stderr" || logCfg.Output == "" {
		logCfg.Output = filepath.Join(cfg.Client.DataDir, "client.log")
	}
	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	log, logCloser, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := resolveServerURL(ctx, &cfg.Client, log); err != nil {
		return err
	}

	persist, closePersist, err := openStore(cfg.Client)
	if err != nil {
		return err
	}
	defer closePersist()

	api := client.NewHTTP(cfg.Client.ServerURL, eventstream.Format(cfg.Client.StreamFormat), nil)
	transport, closeTransport, err := chatTransport(cfg.Client, api, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	convo := conversation.NewStore(persist, transport, client.Decoders,
		conversation.WithCancelOnSwitch(cfg.Client.CancelOnSwitch),
		conversation.WithDefaultModel(cfg.Client.DefaultModel),
		conversation.WithLogger(log),
	)
	if err := convo.Hydrate(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	if err := api.Health(ctx); err != nil {
		log.Warn("server health check failed", "server", cfg.Client.ServerURL, "error", err)
		fmt.Fprintf(os.Stderr, "warning: server %s is not reachable: %v\n", cfg.Client.ServerURL, err)
	}

	log.Info("chat client started", "server", cfg.Client.ServerURL, "transport", cfg.Client.Transport, "store", cfg.Client.Store)
	return repl.New(convo, api, os.Stdin, os.Stdout, log).Run(ctx)
}

// discoverServer is the server URL that asks for a local network scan.
const discoverServer = "mdns"

// resolveServerURL replaces a "mdns" server URL with the first server
// that answers a local network scan.
func resolveServerURL(ctx context.Context, cfg *config.ClientConfig, log *slog.Logger) error {
	if cfg.ServerURL != discoverServer {
		return nil
	}
	u, err := discovery.First(ctx, discovery.DefaultScanTimeout, log)
	if err != nil {
		return fmt.Errorf("discover server: %w", err)
	}
	log.Info("discovered server", "url", u)
	cfg.ServerURL = u
	return nil
}

// openStore opens the client persistence named by cfg.Store. Provider
// keys are sealed at rest when a passphrase is configured.
func openStore(cfg config.ClientConfig) (domain.KVStore, func(), error) {
	var (
		kv     domain.KVStore
		closer = func() {}
	)
	switch cfg.Store {
	case "memory":
		kv = store.NewMemory()
	case "sqlite":
		db, err := store.NewSQLite(filepath.Join(cfg.DataDir, "testscribe.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		kv = db
		closer = func() { _ = db.Close() }
	default:
		f, err := store.NewFile(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		kv = f
	}

	if cfg.KeysPassphrase == "" {
		return kv, closer, nil
	}
	sealer, err := security.NewSealer(cfg.KeysPassphrase)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("keys sealer: %w", err)
	}
	inner := closer
	closer = func() {
		sealer.Zeroize()
		inner()
	}
	return store.NewSealed(kv, sealer, domain.KeyAPIKeys), closer, nil
}

// chatTransport returns the transport chat turns are sent over.
func chatTransport(cfg config.ClientConfig, api *client.HTTP, log *slog.Logger) (conversation.ChatTransport, func(), error) {
	if cfg.Transport != "ws" {
		return api, func() {}, nil
	}
	u, err := wsURL(cfg.ServerURL)
	if err != nil {
		return nil, nil, err
	}
	ws := client.NewWS(u, log)
	return ws, func() { _ = ws.Close() }, nil
}

// wsURL maps the server's http(s) base URL to its websocket chat endpoint.
func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chat/ws"
	return u.String(), nil
}
