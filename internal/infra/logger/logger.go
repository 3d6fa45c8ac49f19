// Package logger builds the slog loggers used by the server and the chat
// client.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"testscribe/internal/infra/config"
)

const redacted = "[redacted]"

// secretKeys never reach log output, whatever group they appear in.
var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"x-api-key":     true,
	"keys":          true,
	"passphrase":    true,
}

// streams are the outputs that are not files.
var streams = map[string]io.Writer{
	"":       os.Stderr,
	"stderr": os.Stderr,
	"stdout": os.Stdout,
}

// New returns the logger cfg describes and a func that closes its output.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := open(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(handlerFor(w, cfg)), closeFn, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func handlerFor(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelOf(cfg.Level), ReplaceAttr: scrub}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		a.Value = slog.StringValue(redacted)
	}
	return a
}

// levelOf accepts the slog level names plus "warning"; anything else is
// info.
func levelOf(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func open(output string) (io.Writer, func() error, error) {
	if w, ok := streams[strings.ToLower(output)]; ok {
		return w, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
