package main

import (
	"fmt"
	"os"
	"strings"

	"testscribe/internal/infra/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "chat":
		err = runChat(args)
	case "extract":
		err = runExtract(args)
	case "doctor":
		err = runDoctor(args)
	case "service":
		err = runService(args)
	case "seal":
		err = runSeal(args)
	case "version":
		fmt.Println("testscribe", version)
	case "help", "--help", "-h":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'testscribe help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`testscribe - test automation chat assistant

USAGE:
    testscribe [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the chat server (default)
    chat        Open the terminal chat client
    extract     Extract a page's DOM into an attachment file
                Usage: testscribe extract <url> [--selector CSS] [--out FILE]
    doctor      Run health checks on your setup
    service     Manage the server as a system service
                Subcommands: install, uninstall, status
    seal        Seal a secret read from stdin for config.yaml
                Usage: TESTSCRIBE_CONFIG_KEY=... testscribe seal < secret
    version     Print the version

FLAGS:
    -h, --help          Show this help message
    --config PATH       Config file path (default: ./config.yaml)
    --addr ADDR         Server listen address (serve)
    --server URL        Server URL, or "mdns" to find one on the LAN (chat, doctor)
    --transport NAME    Chat transport: http or ws (chat)
    --store NAME        Client store: file, sqlite or memory (chat)
    --data-dir PATH     Client data directory (chat)
    --model NAME        Default model for new sessions (chat)
    --selector CSS      Limit the extraction to an element (extract)
    --out FILE          Output file, "-" for stdout (extract)
    --print             Print the unit file instead of installing (service install)

CONFIGURATION:
    Config file: ./config.yaml (optional)
    Environment: TESTSCRIBE_* variables and .env override config
    Provider keys: OPENAI_API_KEY, ANTHROPIC_API_KEY,
                   GOOGLE_GENERATIVE_AI_API_KEY, GROQ_API_KEY, COMPOSIO_API_KEY

EXAMPLES:
    testscribe                                   # Serve on :3000
    testscribe chat --transport ws               # Chat over a websocket
    testscribe extract https://example.com/login --out login.json`)
}

// cliFlags holds the flags shared by the commands.
type cliFlags struct {
	Config    string
	Addr      string
	Server    string
	Transport string
	Store     string
	DataDir   string
	Model     string
	Selector  string
	Out       string
	Print     bool

	// Args holds the positional arguments.
	Args []string
}

// valueFlags take a value, either as the next argument or after "=".
var valueFlags = map[string]func(f *cliFlags, v string){
	"config":    func(f *cliFlags, v string) { f.Config = v },
	"addr":      func(f *cliFlags, v string) { f.Addr = v },
	"server":    func(f *cliFlags, v string) { f.Server = v },
	"transport": func(f *cliFlags, v string) { f.Transport = v },
	"store":     func(f *cliFlags, v string) { f.Store = v },
	"data-dir":  func(f *cliFlags, v string) { f.DataDir = v },
	"model":     func(f *cliFlags, v string) { f.Model = v },
	"selector":  func(f *cliFlags, v string) { f.Selector = v },
	"out":       func(f *cliFlags, v string) { f.Out = v },
}

// parseFlags reads --name value and --name=value pairs from args.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			flags.Args = append(flags.Args, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "print" {
			flags.Print = true
			continue
		}
		set, ok := valueFlags[name]
		if !ok {
			return flags, fmt.Errorf("unknown flag --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return flags, fmt.Errorf("flag --%s needs a value", name)
			}
			i++
			value = args[i]
		}
		set(&flags, value)
	}
	return flags, nil
}

// configPath resolves the config file from --config, TESTSCRIBE_CONFIG
// or the working directory.
func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("TESTSCRIBE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig loads the config file and applies command line overrides.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyFlags(cfg, flags)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags cliFlags) {
	if flags.Addr != "" {
		cfg.Server.Addr = flags.Addr
	}
	if flags.Server != "" {
		cfg.Client.ServerURL = flags.Server
	}
	if flags.Transport != "" {
		cfg.Client.Transport = flags.Transport
	}
	if flags.Store != "" {
		cfg.Client.Store = flags.Store
	}
	if flags.DataDir != "" {
		cfg.Client.DataDir = flags.DataDir
	}
	if flags.Model != "" {
		cfg.Client.DefaultModel = flags.Model
	}
}
