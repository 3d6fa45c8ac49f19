package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"testscribe/internal/security"
)

// Config is the root configuration for the server and the terminal client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Context ContextConfig `yaml:"context"`
	Client  ClientConfig  `yaml:"client"`
	Browser BrowserConfig `yaml:"browser"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration   `yaml:"read_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	IdleTimeout       time.Duration   `yaml:"idle_timeout"`
	ChatTimeout       time.Duration   `yaml:"chat_timeout"`
	FormatTimeout     time.Duration   `yaml:"format_timeout"`
	MaxBodyBytes      int64           `yaml:"max_body_bytes"`
	AllowedOrigins    []string        `yaml:"allowed_origins"`
	MetricsPath       string          `yaml:"metrics_path"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	MDNS              bool            `yaml:"mdns"` // advertise on the local network
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	Providers         []ProviderConfig     `yaml:"providers"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	ExtraModels       []ModelConfig        `yaml:"extra_models,omitempty"`
	MaxToolRoundtrips int                  `yaml:"max_tool_roundtrips"`
}

// ModelConfig adds an exact-match entry to the model catalog.
type ModelConfig struct {
	Name   string `yaml:"name"`
	Family string `yaml:"family"`
	Model  string `yaml:"model"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for one provider family. Name is the
// family ("openai", "anthropic", "google", "groq", "ollama", "bedrock").
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Region      string        `yaml:"region,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ToolsConfig holds external tool settings.
type ToolsConfig struct {
	Composio     ComposioConfig `yaml:"composio"`
	MCPServers   []MCPServer    `yaml:"mcp_servers,omitempty"`
	ValidateArgs bool           `yaml:"validate_args"`
	ExecTimeout  time.Duration  `yaml:"exec_timeout"`
}

// ComposioConfig configures the hosted tool catalog.
type ComposioConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	UserID  string        `yaml:"user_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// ContextConfig configures the framework documentation proxy.
type ContextConfig struct {
	Sources   map[string]string `yaml:"sources"`
	UserAgent string            `yaml:"user_agent"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	Timeout   time.Duration     `yaml:"timeout"`
	// Refresh re-downloads every source on a cron expression or interval
	// ("@hourly", "45m"). Empty disables it.
	Refresh string `yaml:"refresh"`
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	ServerURL      string `yaml:"server_url"`
	DataDir        string `yaml:"data_dir"`
	Store          string `yaml:"store"`         // "file" or "sqlite"
	Transport      string `yaml:"transport"`     // "http" or "ws"
	StreamFormat   string `yaml:"stream_format"` // "ndjson" or "text"
	DefaultModel   string `yaml:"default_model"`
	CancelOnSwitch bool   `yaml:"cancel_on_switch"`
	KeysPassphrase string `yaml:"keys_passphrase,omitempty"`
}

// BrowserConfig configures headless DOM extraction.
type BrowserConfig struct {
	Headless  bool          `yaml:"headless"`
	RemoteURL string        `yaml:"remote_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings. Exporter is noop, stdout or file;
// Path names the file for the file exporter.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Path        string  `yaml:"path"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the client data directory under $HOME/.testscribe.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".testscribe")
}

func defaultProvider(name, baseURL string) ProviderConfig {
	return ProviderConfig{
		Name:        name,
		BaseURL:     baseURL,
		ConnTimeout: 10 * time.Second,
		RespTimeout: 60 * time.Second,
		Pool: PoolConfig{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func defaultProviders() []ProviderConfig {
	bedrock := defaultProvider("bedrock", "")
	bedrock.Region = "us-east-1"
	return []ProviderConfig{
		defaultProvider("openai", "https://api.openai.com/v1"),
		defaultProvider("anthropic", "https://api.anthropic.com"),
		defaultProvider("google", "https://generativelanguage.googleapis.com/v1beta"),
		defaultProvider("groq", "https://api.groq.com/openai/v1"),
		defaultProvider("ollama", "http://localhost:11434"),
		bedrock,
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       120 * time.Second,
			ChatTimeout:       30 * time.Second,
			FormatTimeout:     20 * time.Second,
			MaxBodyBytes:      8 << 20,
			AllowedOrigins:    []string{"localhost:*", "127.0.0.1:*"},
			MetricsPath:       "/metrics",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		LLM: LLMConfig{
			Providers: defaultProviders(),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			MaxToolRoundtrips: 3,
		},
		Tools: ToolsConfig{
			Composio: ComposioConfig{
				BaseURL: "https://backend.composio.dev",
				UserID:  "default",
				Timeout: 15 * time.Second,
			},
			ValidateArgs: true,
			ExecTimeout:  20 * time.Second,
		},
		Context: ContextConfig{
			Sources: map[string]string{
				"playwright": "https://context7.com/microsoft/playwright/llms.txt?tokens=60000",
				"selenium":   "https://context7.com/seleniumhq/selenium/llms.txt?tokens=60000",
				"cypress":    "https://context7.com/cypress-io/cypress-documentation/llms.txt?tokens=60000",
			},
			UserAgent: "testscribe/1.0",
			CacheTTL:  time.Hour,
			Timeout:   20 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:    "http://localhost:3000",
			DataDir:      defaultDataDir(),
			Store:        "file",
			Transport:    "http",
			StreamFormat: "ndjson",
			DefaultModel: "gemini-2.5-flash",
		},
		Browser: BrowserConfig{
			Headless: true,
			Timeout:  45 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies .env and env var overrides, and
// decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Variables already present in the environment win over .env entries.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		mergeProviderDefaults(cfg)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("TESTSCRIBE_CONFIG_KEY"); passphrase != "" {
		if err := openSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeProviderDefaults restores provider families a config file left out
// and fills empty fields of the ones it lists.
func mergeProviderDefaults(cfg *Config) {
	for _, def := range defaultProviders() {
		found := false
		for i := range cfg.LLM.Providers {
			p := &cfg.LLM.Providers[i]
			if p.Name != def.Name {
				continue
			}
			found = true
			if p.BaseURL == "" {
				p.BaseURL = def.BaseURL
			}
			if p.Region == "" {
				p.Region = def.Region
			}
			if p.ConnTimeout == 0 {
				p.ConnTimeout = def.ConnTimeout
			}
			if p.RespTimeout == 0 {
				p.RespTimeout = def.RespTimeout
			}
			if p.Pool == (PoolConfig{}) {
				p.Pool = def.Pool
			}
		}
		if !found {
			cfg.LLM.Providers = append(cfg.LLM.Providers, def)
		}
	}
}

// Provider returns the settings for a provider family.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// providerEnvKeys maps provider families to their conventional key variables.
var providerEnvKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GOOGLE_GENERATIVE_AI_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// envVar binds one environment variable to a config field. Empty values
// are ignored.
type envVar struct {
	name string
	set  func(cfg *Config, v string)
}

func text(field func(*Config) *string) func(*Config, string) {
	return func(cfg *Config, v string) { *field(cfg) = v }
}

// duration and number keep the current value when v does not parse.
func duration(field func(*Config) *time.Duration) func(*Config, string) {
	return func(cfg *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			*field(cfg) = d
		}
	}
}

func number(field func(*Config) *int) func(*Config, string) {
	return func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*field(cfg) = n
		}
	}
}

func enabled(field func(*Config) *bool) func(*Config, string) {
	return func(cfg *Config, v string) { *field(cfg) = v == "true" }
}

func list(field func(*Config) *[]string) func(*Config, string) {
	return func(cfg *Config, v string) {
		items := strings.Split(v, ",")
		for i, item := range items {
			items[i] = strings.TrimSpace(item)
		}
		*field(cfg) = items
	}
}

// envVars are applied in order, so later entries win.
var envVars = []envVar{
	{"PORT", func(cfg *Config, v string) { cfg.Server.Addr = ":" + v }},
	{"TESTSCRIBE_SERVER_ADDR", text(func(c *Config) *string { return &c.Server.Addr })},
	{"TESTSCRIBE_SERVER_CHAT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ChatTimeout })},
	{"TESTSCRIBE_SERVER_FORMAT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.FormatTimeout })},
	{"TESTSCRIBE_SERVER_RATE_LIMIT_RPM", number(func(c *Config) *int { return &c.Server.RateLimit.RequestsPerMinute })},
	{"TESTSCRIBE_SERVER_ALLOWED_ORIGINS", list(func(c *Config) *[]string { return &c.Server.AllowedOrigins })},
	{"TESTSCRIBE_SERVER_MDNS", enabled(func(c *Config) *bool { return &c.Server.MDNS })},
	{"TESTSCRIBE_LLM_MAX_TOOL_ROUNDTRIPS", number(func(c *Config) *int { return &c.LLM.MaxToolRoundtrips })},
	{"TESTSCRIBE_LOGGER_LEVEL", text(func(c *Config) *string { return &c.Logger.Level })},
	{"TESTSCRIBE_LOGGER_FORMAT", text(func(c *Config) *string { return &c.Logger.Format })},
	{"TESTSCRIBE_TRACER_ENABLED", func(cfg *Config, v string) { cfg.Tracer.Enabled = cfg.Tracer.Enabled || v == "true" }},
	{"TESTSCRIBE_TRACER_EXPORTER", text(func(c *Config) *string { return &c.Tracer.Exporter })},
	{"TESTSCRIBE_TRACER_PATH", text(func(c *Config) *string { return &c.Tracer.Path })},
	{"TESTSCRIBE_TOOLS_COMPOSIO_API_KEY", text(func(c *Config) *string { return &c.Tools.Composio.APIKey })},
	{"TESTSCRIBE_TOOLS_COMPOSIO_BASE_URL", text(func(c *Config) *string { return &c.Tools.Composio.BaseURL })},
	{"TESTSCRIBE_CONTEXT_REFRESH", text(func(c *Config) *string { return &c.Context.Refresh })},
	{"TESTSCRIBE_CLIENT_SERVER_URL", text(func(c *Config) *string { return &c.Client.ServerURL })},
	{"TESTSCRIBE_CLIENT_DATA_DIR", text(func(c *Config) *string { return &c.Client.DataDir })},
	{"TESTSCRIBE_CLIENT_STORE", text(func(c *Config) *string { return &c.Client.Store })},
	{"TESTSCRIBE_CLIENT_TRANSPORT", text(func(c *Config) *string { return &c.Client.Transport })},
	{"TESTSCRIBE_CLIENT_STREAM_FORMAT", text(func(c *Config) *string { return &c.Client.StreamFormat })},
	{"TESTSCRIBE_CLIENT_CANCEL_ON_SWITCH", enabled(func(c *Config) *bool { return &c.Client.CancelOnSwitch })},
	{"TESTSCRIBE_KEYS_PASSPHRASE", text(func(c *Config) *string { return &c.Client.KeysPassphrase })},
	{"TESTSCRIBE_BROWSER_REMOTE_URL", text(func(c *Config) *string { return &c.Browser.RemoteURL })},
	{"TESTSCRIBE_BROWSER_HEADLESS", func(cfg *Config, v string) { cfg.Browser.Headless = v != "false" }},
}

// ApplyEnvOverrides maps TESTSCRIBE_* and the conventional provider
// variables onto cfg. A conventional key such as OPENAI_API_KEY only
// fills an empty field; the TESTSCRIBE_ form always wins.
func ApplyEnvOverrides(cfg *Config) {
	if cfg.Tools.Composio.APIKey == "" {
		cfg.Tools.Composio.APIKey = os.Getenv("COMPOSIO_API_KEY")
	}
	for i := range cfg.LLM.Providers {
		applyProviderEnv(&cfg.LLM.Providers[i])
	}
	for _, e := range envVars {
		if v := os.Getenv(e.name); v != "" {
			e.set(cfg, v)
		}
	}
}

func applyProviderEnv(p *ProviderConfig) {
	if env, ok := providerEnvKeys[p.Name]; ok && p.APIKey == "" {
		p.APIKey = os.Getenv(env)
	}
	prefix := "TESTSCRIBE_LLM_PROVIDER_" + strings.ToUpper(p.Name) + "_"
	if v := os.Getenv(prefix + "API_KEY"); v != "" {
		p.APIKey = v
	}
	if v := os.Getenv(prefix + "BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && p.Name == "bedrock" {
		p.Region = v
	}
}

// openSecrets replaces sealed secret fields with their plaintext. Values
// without the sealed prefix are left alone.
func openSecrets(cfg *Config, passphrase string) error {
	sealer, err := security.NewSealer(passphrase)
	if err != nil {
		return err
	}
	defer sealer.Zeroize()

	fields := map[string]*string{
		"tools.composio.api_key": &cfg.Tools.Composio.APIKey,
		"client.keys_passphrase": &cfg.Client.KeysPassphrase,
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		fields["provider "+p.Name+" api_key"] = &p.APIKey
	}
	for name, field := range fields {
		if !security.IsSealed(*field) {
			continue
		}
		plain, err := sealer.Open(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = string(plain)
	}
	return nil
}

// validatePermissions rejects a config file that group or others may
// write. It may hold provider keys.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %#o (group or world writable)", path, mode)
	}
	return nil
}
