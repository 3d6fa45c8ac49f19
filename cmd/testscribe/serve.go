package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"testscribe/internal/adapter/discovery"
	"testscribe/internal/adapter/docs"
	"testscribe/internal/adapter/gateway"
	"testscribe/internal/adapter/llm"
	"testscribe/internal/adapter/tool"
	"testscribe/internal/infra/config"
	"testscribe/internal/infra/logger"
	"testscribe/internal/infra/metrics"
	"testscribe/internal/infra/tracer"
	"testscribe/internal/usecase/chat"
	"testscribe/internal/usecase/format"
	"testscribe/internal/usecase/scheduling"
)

func runServe(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", "error", err)
		}
	}()

	m := metrics.New()

	tools, closeTools, err := initTools(ctx, cfg.Tools, m, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer closeTools()

	factory := llm.NewFactory(cfg.LLM, log, llm.WithCircuitObserver(func(family string, to gobreaker.State) {
		m.CircuitState(family, int(to))
	}))
	if local := factory.Ollama(); local != nil {
		go warnMissingModels(ctx, local, llm.LocalModels(cfg.LLM.ExtraModels), log)
	}
	chatSvc := chat.NewService(chat.Deps{
		Models:            llm.NewCatalog(cfg.LLM.ExtraModels),
		Providers:         factory,
		Tools:             tools.registry,
		Metrics:           m,
		Logger:            log,
		Timeout:           cfg.Server.ChatTimeout,
		MaxToolRoundtrips: cfg.LLM.MaxToolRoundtrips,
	})
	formatSvc := format.NewService(llm.NewFormatCatalog(), factory, m, cfg.Server.FormatTimeout, log)
	fetcher := docs.NewFetcher(cfg.Context, m, log)

	sched, err := initScheduler(cfg.Context, fetcher, log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := gateway.NewServer(cfg.Server, gateway.Deps{
		Chat:    chatSvc,
		Format:  formatSvc,
		Context: fetcher,
		Tools:   tools.catalog,
		Metrics: m,
		Logger:  log,
	})

	log.Info("testscribe starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"providers", len(factory.Families()),
		"local_tools", len(tools.registry.Names()),
		"composio", cfg.Tools.Composio.APIKey != "",
		"context_sources", len(fetcher.Keys()),
	)
	if cfg.Server.MDNS {
		go advertise(ctx, cfg.Server.Addr, log)
	}
	return srv.Start(ctx)
}

// warnMissingModels logs catalog models the local Ollama server has not
// pulled. Requests for them would fail at chat time.
func warnMissingModels(ctx context.Context, local *llm.OllamaProvider, models []string, log *slog.Logger) {
	if len(models) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	missing, err := local.Missing(ctx, models)
	if err != nil {
		log.Warn("ollama not reachable", "error", err)
		return
	}
	for _, m := range missing {
		log.Warn("ollama model not pulled", "model", m, "fix", "ollama pull "+m)
	}
}

// advertise announces the server on the local network until ctx is done.
func advertise(ctx context.Context, addr string, log *slog.Logger) {
	port, err := discovery.Port(addr)
	if err != nil {
		log.Warn("mdns disabled", "error", err)
		return
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "server"
	}
	if err := discovery.Advertise(ctx, "testscribe-"+host, port, version, log); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
}

type toolComponents struct {
	registry *tool.Registry
	catalog  *tool.Composio
}

// initTools wires the hosted catalog and any MCP servers into one registry.
// An MCP server that fails to start is logged and left out.
func initTools(ctx context.Context, cfg config.ToolsConfig, m *metrics.Metrics, log *slog.Logger) (*toolComponents, func(), error) {
	composio := tool.NewComposio(cfg.Composio, log)
	registry := tool.NewRegistry(log,
		tool.WithRemote(composio),
		tool.WithArgValidation(cfg.ValidateArgs),
		tool.WithExecution(cfg.ExecTimeout, m.ToolExecuted),
	)
	closer := func() {}

	if len(cfg.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.MCPServers, cfg.ExecTimeout, log)
		if err != nil {
			log.Warn("mcp tools unavailable", "error", err)
		} else {
			closer = bridge.Close
			for _, t := range bridge.Tools() {
				if err := registry.Register(t); err != nil {
					log.Warn("skipping mcp tool", "tool", t.Name(), "error", err)
				}
			}
		}
	}
	return &toolComponents{registry: registry, catalog: composio}, closer, nil
}

// initScheduler registers the server's periodic jobs. Jobs whose schedule
// is empty are left out.
func initScheduler(cfg config.ContextConfig, fetcher *docs.Fetcher, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionDocsRefresh, fetcher.Refresh)
	if cfg.Refresh == "" {
		return sched, nil
	}
	err := sched.AddTask(scheduling.Task{
		Name:     "framework docs",
		Schedule: cfg.Refresh,
		Action:   scheduling.ActionDocsRefresh,
		Timeout:  cfg.Timeout * time.Duration(max(len(fetcher.Keys()), 1)),
	})
	return sched, err
}
