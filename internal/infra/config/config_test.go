package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testscribe/internal/security"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.ChatTimeout != 30*time.Second {
		t.Errorf("ChatTimeout = %v, want 30s", cfg.Server.ChatTimeout)
	}
	if cfg.Server.FormatTimeout != 20*time.Second {
		t.Errorf("FormatTimeout = %v, want 20s", cfg.Server.FormatTimeout)
	}
	if cfg.LLM.MaxToolRoundtrips != 3 {
		t.Errorf("MaxToolRoundtrips = %d, want 3", cfg.LLM.MaxToolRoundtrips)
	}
	if cfg.Client.DefaultModel != "gemini-2.5-flash" {
		t.Errorf("DefaultModel = %q", cfg.Client.DefaultModel)
	}
	if len(cfg.Context.Sources) != 3 {
		t.Errorf("Context.Sources = %v", cfg.Context.Sources)
	}
	if p, ok := cfg.Provider("groq"); !ok || p.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("groq provider = %+v, %v", p, ok)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":3000" {
		t.Errorf("expected defaults, got Addr=%q", cfg.Server.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "testscribe.yaml")
	content := `
server:
  addr: ":8080"
llm:
  providers:
    - name: "groq"
      api_key: "test-key"
  extra_models:
    - name: "Local Llama"
      family: "ollama"
      model: "llama3.2"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	groq, ok := cfg.Provider("groq")
	if !ok || groq.APIKey != "test-key" {
		t.Errorf("groq = %+v", groq)
	}
	if groq.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("groq base url not defaulted: %q", groq.BaseURL)
	}
	if _, ok := cfg.Provider("anthropic"); !ok {
		t.Error("families left out of the file should keep their defaults")
	}
	if len(cfg.LLM.ExtraModels) != 1 || cfg.LLM.ExtraModels[0].Family != "ollama" {
		t.Errorf("ExtraModels = %+v", cfg.LLM.ExtraModels)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
}

func TestLoadRejectsWorldWritable(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "testscribe.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("err = %v, want insecure permissions", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TESTSCRIBE_LOGGER_LEVEL=warn\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TESTSCRIBE_LOGGER_LEVEL") })

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn from .env", cfg.Logger.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-conventional")
	t.Setenv("TESTSCRIBE_LLM_PROVIDER_GROQ_API_KEY", "gsk-explicit")
	t.Setenv("COMPOSIO_API_KEY", "comp")
	t.Setenv("TESTSCRIBE_SERVER_CHAT_TIMEOUT", "45s")
	t.Setenv("TESTSCRIBE_CLIENT_TRANSPORT", "ws")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("TESTSCRIBE_CONTEXT_REFRESH", "@every 2h")
	t.Setenv("TESTSCRIBE_SERVER_MDNS", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if p, _ := cfg.Provider("openai"); p.APIKey != "sk-conventional" {
		t.Errorf("openai key = %q", p.APIKey)
	}
	if p, _ := cfg.Provider("groq"); p.APIKey != "gsk-explicit" {
		t.Errorf("groq key = %q", p.APIKey)
	}
	if p, _ := cfg.Provider("bedrock"); p.Region != "eu-west-1" {
		t.Errorf("bedrock region = %q", p.Region)
	}
	if cfg.Tools.Composio.APIKey != "comp" {
		t.Errorf("composio key = %q", cfg.Tools.Composio.APIKey)
	}
	if cfg.Server.ChatTimeout != 45*time.Second {
		t.Errorf("ChatTimeout = %v", cfg.Server.ChatTimeout)
	}
	if cfg.Client.Transport != "ws" {
		t.Errorf("Transport = %q", cfg.Client.Transport)
	}
	if cfg.Context.Refresh != "@every 2h" {
		t.Errorf("Refresh = %q", cfg.Context.Refresh)
	}
	if !cfg.Server.MDNS {
		t.Error("MDNS not enabled")
	}
}

func sealWith(t *testing.T, passphrase, value string) string {
	t.Helper()
	s, err := security.NewSealer(passphrase)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := s.Seal([]byte(value))
	if err != nil {
		t.Fatal(err)
	}
	return sealed
}

func TestOpenSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.Composio.APIKey = sealWith(t, "pw", "comp-key")
	cfg.Client.KeysPassphrase = sealWith(t, "pw", "local-pass")
	cfg.LLM.Providers[0].APIKey = "plain"

	if err := openSecrets(cfg, "pw"); err != nil {
		t.Fatalf("openSecrets: %v", err)
	}
	if cfg.Tools.Composio.APIKey != "comp-key" {
		t.Errorf("composio key = %q", cfg.Tools.Composio.APIKey)
	}
	if cfg.Client.KeysPassphrase != "local-pass" {
		t.Errorf("keys passphrase = %q", cfg.Client.KeysPassphrase)
	}
	if cfg.LLM.Providers[0].APIKey != "plain" {
		t.Error("plain values must be left untouched")
	}
}

func TestOpenSecrets_WrongPassphrase(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers[0].APIKey = sealWith(t, "right", "sk")

	err := openSecrets(cfg, "wrong")
	if err == nil || !strings.Contains(err.Error(), cfg.LLM.Providers[0].Name+" api_key") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_OpensSealedSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "tools:\n  composio:\n    api_key: " + sealWith(t, "cfg-key", "comp-123") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TESTSCRIBE_CONFIG_KEY", "cfg-key")
	t.Setenv("COMPOSIO_API_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tools.Composio.APIKey != "comp-123" {
		t.Errorf("composio key = %q", cfg.Tools.Composio.APIKey)
	}
}

func TestEnvOverrides_IgnoresUnparsable(t *testing.T) {
	t.Setenv("TESTSCRIBE_SERVER_CHAT_TIMEOUT", "soon")
	t.Setenv("TESTSCRIBE_LLM_MAX_TOOL_ROUNDTRIPS", "many")
	t.Setenv("TESTSCRIBE_SERVER_ALLOWED_ORIGINS", " http://a.test , http://b.test")
	t.Setenv("PORT", "8080")

	want := Defaults()
	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Server.ChatTimeout != want.Server.ChatTimeout {
		t.Errorf("ChatTimeout = %v, want default %v", cfg.Server.ChatTimeout, want.Server.ChatTimeout)
	}
	if cfg.LLM.MaxToolRoundtrips != want.LLM.MaxToolRoundtrips {
		t.Errorf("MaxToolRoundtrips = %d", cfg.LLM.MaxToolRoundtrips)
	}
	if got := strings.Join(cfg.Server.AllowedOrigins, "|"); got != "http://a.test|http://b.test" {
		t.Errorf("AllowedOrigins = %q", got)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestValidatePermissions(t *testing.T) {
	for mode, ok := range map[os.FileMode]bool{0o600: true, 0o644: true, 0o640: true, 0o620: false, 0o602: false} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, mode); err != nil {
			t.Fatal(err)
		}
		if err := validatePermissions(path); (err == nil) != ok {
			t.Errorf("mode %#o: err = %v, want ok=%v", mode, err, ok)
		}
	}
}
