// Package service installs the chat server as a systemd unit or a launchd
// agent.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// Unit describes the installed server process.
type Unit struct {
	Name       string
	Executable string
	Config     string
	DataDir    string
	User       string
	LogDir     string
	Home       string
	// Addr, when set, is passed to serve as --addr.
	Addr string
}

// Status is the state of an installed unit.
type Status struct {
	Running bool
	PID     int
}

// run executes a service manager command. Swapped in tests.
var run = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DefaultUnit returns a Unit for the current user and executable.
func DefaultUnit() Unit {
	const name = "testscribe"
	u := Unit{Name: name, User: "root", Home: "/root"}
	if exe, err := os.Executable(); err == nil {
		u.Executable = exe
	} else {
		u.Executable = "/usr/local/bin/" + name
	}
	if cur, err := user.Current(); err == nil {
		u.User, u.Home = cur.Username, cur.HomeDir
	}
	u.Config = filepath.Join(u.Home, ".config", name, "config.yaml")
	u.DataDir = filepath.Join(u.Home, ".local", "share", name)
	u.LogDir = filepath.Join(u.DataDir, "logs")
	return u
}

// Validate checks that the unit can be installed.
func (u *Unit) Validate() error {
	switch {
	case u.Name == "":
		return errors.New("service name is required")
	case strings.ContainsAny(u.Name, "/ \t\n"):
		return fmt.Errorf("service name %q must not contain slashes or spaces", u.Name)
	case u.Executable == "":
		return errors.New("executable is required")
	}
	info, err := os.Stat(u.Executable)
	if err != nil {
		return fmt.Errorf("executable %q: %w", u.Executable, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("executable %q is not executable", u.Executable)
	}
	return nil
}

// Label is the launchd label of the unit.
func (u Unit) Label() string { return "dev.testscribe." + u.Name }

// LogFile is where the server's stdout and stderr are appended.
func (u Unit) LogFile() string { return filepath.Join(u.LogDir, u.Name+".log") }

// manager knows one platform's service manager.
type manager struct {
	tmpl  *template.Template
	path  func(Unit) string
	start func(u Unit, path string) [][]string
	// stop commands are best effort.
	stop  func(u Unit, path string) [][]string
	query func(Unit) *Status
}

var managers = map[string]manager{
	"linux": {
		tmpl: template.Must(template.New("systemd").Parse(systemdUnit)),
		path: func(u Unit) string { return filepath.Join("/etc/systemd/system", u.Name+".service") },
		start: func(u Unit, _ string) [][]string {
			return [][]string{
				{"systemctl", "daemon-reload"},
				{"systemctl", "enable", "--now", u.Name},
			}
		},
		stop: func(u Unit, _ string) [][]string {
			return [][]string{{"systemctl", "disable", "--now", u.Name}}
		},
		query: querySystemd,
	},
	"darwin": {
		tmpl: template.Must(template.New("launchd").Parse(launchdPlist)),
		path: func(u Unit) string { return filepath.Join(u.Home, "Library", "LaunchAgents", u.Label()+".plist") },
		start: func(_ Unit, path string) [][]string {
			return [][]string{{"launchctl", "load", "-w", path}}
		},
		stop: func(_ Unit, path string) [][]string {
			return [][]string{{"launchctl", "unload", "-w", path}}
		},
		query: queryLaunchd,
	},
}

func managerFor(goos string) (manager, error) {
	m, ok := managers[goos]
	if !ok {
		return manager{}, fmt.Errorf("unsupported platform: %s", goos)
	}
	return m, nil
}

// Render returns the service definition for goos.
func Render(u Unit, goos string) (string, error) {
	m, err := managerFor(goos)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := m.tmpl.Execute(&buf, u); err != nil {
		return "", fmt.Errorf("render %s: %w", m.tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Path is where the service definition for goos is written.
func Path(u Unit, goos string) (string, error) {
	m, err := managerFor(goos)
	if err != nil {
		return "", err
	}
	return m.path(u), nil
}

// Install writes the service definition and starts it.
func Install(u Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m, err := managerFor(runtime.GOOS)
	if err != nil {
		return err
	}
	content, err := Render(u, runtime.GOOS)
	if err != nil {
		return err
	}
	path := m.path(u)

	for _, dir := range []string{u.LogDir, u.DataDir, filepath.Dir(path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, argv := range m.start(u, path) {
		if out, err := run(argv[0], argv[1:]...); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(argv, " "), bytes.TrimSpace(out), err)
		}
	}
	return nil
}

// Uninstall stops the service and removes its definition. A unit that is
// not running is still removed.
func Uninstall(u Unit) error {
	m, err := managerFor(runtime.GOOS)
	if err != nil {
		return err
	}
	path := m.path(u)
	for _, argv := range m.stop(u, path) {
		_, _ = run(argv[0], argv[1:]...)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Query reports whether the unit is running.
func Query(u Unit) (*Status, error) {
	m, err := managerFor(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	return m.query(u), nil
}

func querySystemd(u Unit) *Status {
	out, _ := run("systemctl", "show", "--property=ActiveState,MainPID", u.Name)
	var st Status
	for line := range strings.Lines(string(out)) {
		key, value, _ := strings.Cut(strings.TrimSpace(line), "=")
		switch key {
		case "ActiveState":
			st.Running = value == "active"
		case "MainPID":
			st.PID, _ = strconv.Atoi(value)
		}
	}
	if !st.Running {
		st.PID = 0
	}
	return &st
}

// queryLaunchd reads the "PID" = N; entry launchctl prints for a
// running job.
func queryLaunchd(u Unit) *Status {
	out, err := run("launchctl", "list", u.Label())
	if err != nil {
		return &Status{}
	}
	st := &Status{Running: true}
	for line := range strings.Lines(string(out)) {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != `"PID"` {
			continue
		}
		st.PID, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(value), ";"))
	}
	return st
}

const systemdUnit = `[Unit]
Description=TestScribe chat server ({{.Name}})
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Environment=HOME={{.Home}}
WorkingDirectory={{.DataDir}}
ExecStart={{.Executable}} serve --config {{.Config}}{{with .Addr}} --addr {{.}}{{end}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogFile}}
StandardError=append:{{.LogFile}}

[Install]
WantedBy=multi-user.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Executable}}</string>
		<string>serve</string>
		<string>--config</string>
		<string>{{.Config}}</string>
{{- with .Addr}}
		<string>--addr</string>
		<string>{{.}}</string>
{{- end}}
	</array>
	<key>WorkingDirectory</key>
	<string>{{.DataDir}}</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>HOME</key>
		<string>{{.Home}}</string>
	</dict>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.LogFile}}</string>
	<key>StandardErrorPath</key>
	<string>{{.LogFile}}</string>
</dict>
</plist>
`
