package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateContext(cfg, ve)
	validateClient(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", s.Addr, err)
	}
	if s.ChatTimeout <= 0 {
		ve.Add("server.chat_timeout must be > 0")
	}
	if s.FormatTimeout <= 0 {
		ve.Add("server.format_timeout must be > 0")
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.WriteTimeout > 0 && s.WriteTimeout < s.ChatTimeout {
		ve.Add("server.write_timeout (%s) must not be shorter than server.chat_timeout (%s)", s.WriteTimeout, s.ChatTimeout)
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerMinute <= 0 {
			ve.Add("server.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	for _, p := range s.RateLimit.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("server.rate_limit.trusted_proxies: %q is neither an IP nor a CIDR", p)
		}
	}
}

var validProviderNames = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google":    true,
	"groq":      true,
	"ollama":    true,
	"bedrock":   true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	seen := map[string]bool{}
	for i, p := range cfg.LLM.Providers {
		if !validProviderNames[p.Name] {
			ve.Add("llm.providers[%d].name %q is not a known provider family", i, p.Name)
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.Name != "bedrock" && p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%d].base_url %q is not an absolute URL", i, p.BaseURL)
			}
		}
		if p.Name == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d].region is required for bedrock", i)
		}
	}
	if cfg.LLM.MaxToolRoundtrips < 0 {
		ve.Add("llm.max_tool_roundtrips must be >= 0")
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
	for i, m := range cfg.LLM.ExtraModels {
		if m.Name == "" || m.Model == "" {
			ve.Add("llm.extra_models[%d] needs both name and model", i)
		}
		if !validProviderNames[m.Family] {
			ve.Add("llm.extra_models[%d].family %q is not a known provider family", i, m.Family)
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.Composio.BaseURL == "" {
		ve.Add("tools.composio.base_url must not be empty")
	}
	if cfg.Tools.ExecTimeout <= 0 {
		ve.Add("tools.exec_timeout must be > 0")
	}
	names := map[string]bool{}
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		}
		if names[s.Name] {
			ve.Add("tools.mcp_servers[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d].command is required for stdio transport", i)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d].url is required for http transport", i)
			}
		default:
			ve.Add("tools.mcp_servers[%d].transport %q must be \"stdio\" or \"http\"", i, s.Transport)
		}
	}
}

func validateContext(cfg *Config, ve *ValidationError) {
	if len(cfg.Context.Sources) == 0 {
		ve.Add("context.sources must not be empty")
	}
	for key, raw := range cfg.Context.Sources {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("context.sources.%s %q is not an absolute URL", key, raw)
		}
	}
	if cfg.Context.CacheTTL < 0 {
		ve.Add("context.cache_ttl must be >= 0")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	switch c.Store {
	case "file", "sqlite", "memory":
	default:
		ve.Add("client.store %q must be \"file\", \"sqlite\" or \"memory\"", c.Store)
	}
	switch c.Transport {
	case "http", "ws":
	default:
		ve.Add("client.transport %q must be \"http\" or \"ws\"", c.Transport)
	}
	switch c.StreamFormat {
	case "ndjson", "text":
	default:
		ve.Add("client.stream_format %q must be \"ndjson\" or \"text\"", c.StreamFormat)
	}
	if c.DefaultModel == "" {
		ve.Add("client.default_model must not be empty")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be \"text\" or \"json\"", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	switch t.Exporter {
	case "", "noop", "stdout":
	case "file":
		if t.Enabled && t.Path == "" {
			ve.Add("tracer.path is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q must be \"noop\", \"stdout\" or \"file\"", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
