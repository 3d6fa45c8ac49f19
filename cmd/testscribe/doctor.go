package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"testscribe/internal/adapter/client"
	"testscribe/internal/adapter/eventstream"
	"testscribe/internal/adapter/llm"
	"testscribe/internal/adapter/tui/theme"
	"testscribe/internal/infra/config"
)

type level int

const (
	levelPass level = iota
	levelWarn
	levelFail
)

func (l level) String() string {
	switch l {
	case levelPass:
		return "PASS"
	case levelWarn:
		return "WARN"
	case levelFail:
		return "FAIL"
	}
	return "????"
}

// finding is the outcome of one doctor check.
type finding struct {
	level level
	msg   string
	fix   string
}

func passf(format string, args ...any) finding {
	return finding{level: levelPass, msg: fmt.Sprintf(format, args...)}
}

func warnf(format string, args ...any) finding {
	return finding{level: levelWarn, msg: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) finding {
	return finding{level: levelFail, msg: fmt.Sprintf(format, args...)}
}

func (f finding) withFix(format string, args ...any) finding {
	f.fix = fmt.Sprintf(format, args...)
	return f
}

type checkFunc func(ctx context.Context, cfg *config.Config) finding

type check struct {
	name string
	run  checkFunc
}

// probeTimeout bounds each check.
var probeTimeout = 5 * time.Second

// needsConfig fails the check when the config could not be loaded.
func needsConfig(fn checkFunc) checkFunc {
	return func(ctx context.Context, cfg *config.Config) finding {
		if cfg == nil {
			return failf("cannot check, config not loaded")
		}
		return fn(ctx, cfg)
	}
}

func runDoctor(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	path := configPath(flags)
	cfg, cfgErr := loadConfig(flags)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return report(ctx, os.Stdout, cfg, []check{
		{"Config file", configFileCheck(path, cfgErr)},
		{"LLM API keys", needsConfig(checkLLMAPIKeys)},
		{"Composio", needsConfig(checkComposio)},
		{"Docs sources", needsConfig(checkDocsSources)},
		{"Client data", needsConfig(checkDataDir)},
		{"Server", needsConfig(checkServer)},
		{"Local models", needsConfig(checkLocalModels)},
		{"Chromium", checkChromium},
	})
}

// report runs the checks in order and prints one line each. It returns an
// error when any check failed.
func report(ctx context.Context, w io.Writer, cfg *config.Config, checks []check) error {
	r := lipgloss.NewRenderer(w)
	label := map[level]lipgloss.Style{
		levelPass: r.NewStyle().Foreground(theme.ColorSuccess).Bold(true),
		levelWarn: r.NewStyle().Foreground(theme.ColorWarning).Bold(true),
		levelFail: r.NewStyle().Foreground(theme.ColorError).Bold(true),
	}

	fmt.Fprintf(w, "testscribe doctor\n%s\n\n", strings.Repeat("=", 50))
	counts := map[level]int{}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, probeTimeout)
		f := c.run(cctx, cfg)
		cancel()

		counts[f.level]++
		fmt.Fprintf(w, "  %s %s: %s\n", label[f.level].Render("["+f.level.String()+"]"), c.name, f.msg)
		if f.fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", f.fix)
		}
	}
	fmt.Fprintf(w, "\n%s\nResults: %d passed, %d warnings, %d failed\n",
		strings.Repeat("-", 50), counts[levelPass], counts[levelWarn], counts[levelFail])

	if n := counts[levelFail]; n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	return nil
}

// configFileCheck passes without a config file too; defaults and the
// environment apply then.
func configFileCheck(path string, loadErr error) checkFunc {
	return func(context.Context, *config.Config) finding {
		if loadErr != nil {
			return failf("config error: %v", loadErr).
				withFix("Check config.yaml syntax and the TESTSCRIBE_* variables")
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return warnf("no config file at %s, using defaults and environment", path)
		}
		return passf("config loaded from %s", path)
	}
}

// keyedFamilies are the provider families that need a server-side key.
var keyedFamilies = map[string]bool{"openai": true, "anthropic": true, "google": true, "groq": true}

// checkLLMAPIKeys only warns on missing keys; clients may bring their own.
func checkLLMAPIKeys(_ context.Context, cfg *config.Config) finding {
	var have, missing []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case !keyedFamilies[p.Name]:
		case p.APIKey != "":
			have = append(have, p.Name)
		default:
			missing = append(missing, p.Name)
		}
	}
	slices.Sort(have)
	slices.Sort(missing)

	if len(have) == 0 {
		return warnf("no server API keys; every request must carry client keys").
			withFix("Set GOOGLE_GENERATIVE_AI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY or GROQ_API_KEY")
	}
	if len(missing) > 0 {
		return warnf("keys configured for [%s]; missing for [%s]", strings.Join(have, ", "), strings.Join(missing, ", "))
	}
	return passf("API keys configured for: %s", strings.Join(have, ", "))
}

func checkComposio(_ context.Context, cfg *config.Config) finding {
	if cfg.Tools.Composio.APIKey == "" {
		return warnf("COMPOSIO_API_KEY not set; tool browsing needs a client key").
			withFix("Set COMPOSIO_API_KEY to enable hosted tools")
	}
	return passf("hosted tools via %s", cfg.Tools.Composio.BaseURL)
}

func checkDocsSources(ctx context.Context, cfg *config.Config) finding {
	keys := slices.Sorted(maps.Keys(cfg.Context.Sources))
	var down []string
	for _, k := range keys {
		if err := headOK(ctx, cfg.Context.Sources[k], cfg.Context.UserAgent); err != nil {
			down = append(down, fmt.Sprintf("%s (%v)", k, err))
		}
	}
	if len(down) > 0 {
		return warnf("unreachable: %s", strings.Join(down, "; ")).
			withFix("Check network access or point context.sources elsewhere")
	}
	return passf("%d source(s) reachable", len(keys))
}

// headOK treats anything below 500 as reachable.
func headOK(ctx context.Context, rawURL, userAgent string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// checkDataDir creates the client data directory when missing and
// verifies it is writable.
func checkDataDir(_ context.Context, cfg *config.Config) finding {
	dir, _ := filepath.Abs(cfg.Client.DataDir)
	store := cfg.Client.Store

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return failf("data directory %s does not exist and cannot be created: %v", dir, err).
				withFix("Create the directory: mkdir -p %s", dir)
		}
		return passf("data directory created at %s (store: %s)", dir, store)
	case err != nil:
		return failf("cannot stat data directory: %v", err)
	case !info.IsDir():
		return failf("%s exists but is not a directory", dir)
	}

	probe := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return failf("data directory %s is not writable: %v", dir, err).
			withFix("Fix permissions: chmod 700 %s", dir)
	}
	_ = os.Remove(probe)
	return passf("data directory %s writable (store: %s)", dir, store)
}

// checkServer calls the health endpoint of the server the chat client
// would use.
func checkServer(ctx context.Context, cfg *config.Config) finding {
	cc := cfg.Client
	if err := resolveServerURL(ctx, &cc, slog.New(slog.DiscardHandler)); err != nil {
		return warnf("%v", err).withFix("Enable server.mdns on the server or pass --server")
	}

	start := time.Now()
	if err := client.NewHTTP(cc.ServerURL, eventstream.FormatNDJSON, nil).Health(ctx); err != nil {
		return warnf("%s not reachable: %v", cc.ServerURL, err).
			withFix("Start it with 'testscribe serve' or pass --server")
	}
	return passf("%s healthy (latency: %dms)", cc.ServerURL, time.Since(start).Milliseconds())
}

// checkLocalModels verifies the catalog's Ollama models are pulled.
func checkLocalModels(ctx context.Context, cfg *config.Config) finding {
	models := llm.LocalModels(cfg.LLM.ExtraModels)
	pc, ok := cfg.Provider("ollama")
	if !ok || len(models) == 0 {
		return passf("no local models configured")
	}

	missing, err := llm.NewOllamaProvider(pc, slog.New(slog.DiscardHandler)).Missing(ctx, models)
	switch {
	case err != nil:
		return warnf("ollama not reachable: %v", err).
			withFix("Start it with 'ollama serve' or fix the ollama base_url")
	case len(missing) > 0:
		return warnf("not pulled: %s", strings.Join(missing, ", ")).
			withFix("ollama pull %s", missing[0])
	}
	return passf("%d local model(s) available", len(models))
}

var chromiumBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// checkChromium looks for a browser the extract command can drive.
func checkChromium(_ context.Context, cfg *config.Config) finding {
	if cfg != nil && cfg.Browser.RemoteURL != "" {
		return passf("using remote browser at %s", cfg.Browser.RemoteURL)
	}
	for _, name := range chromiumBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return passf("found %s at %s", name, path)
		}
	}
	return warnf("Chromium not found; 'testscribe extract' will not work").
		withFix("Install Chromium (apt install chromium) or set browser.remote_url")
}
