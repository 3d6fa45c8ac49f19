package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/infra/config"
)

func TestJSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(handlerFor(&buf, config.LoggerConfig{Format: "JSON"}))

	log.Info("composio request", "api_key", "comp-123", "toolkit", "gmail",
		slog.Group("req", "Authorization", "Bearer sk"))

	var line struct {
		Msg     string `json:"msg"`
		APIKey  string `json:"api_key"`
		Toolkit string `json:"toolkit"`
		Req     struct {
			Authorization string `json:"Authorization"`
		} `json:"req"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "composio request", line.Msg)
	assert.Equal(t, redacted, line.APIKey)
	assert.Equal(t, "gmail", line.Toolkit)
	assert.Equal(t, redacted, line.Req.Authorization)
}

func TestTextLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(handlerFor(&buf, config.LoggerConfig{Level: "warn", Format: "text"}))

	log.Debug("chatty")
	log.Info("routine")
	log.Warn("breaker opened")

	assert.NotContains(t, buf.String(), "chatty")
	assert.NotContains(t, buf.String(), "routine")
	assert.Contains(t, buf.String(), "msg=\"breaker opened\"")
}

func TestLevelOf(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		assert.Equal(t, want, levelOf(in), in)
	}
}

func TestOpenStreams(t *testing.T) {
	for in, want := range map[string]*os.File{"stdout": os.Stdout, "STDERR": os.Stderr, "": os.Stderr} {
		w, closeFn, err := open(in)
		require.NoError(t, err)
		assert.Same(t, want, w, in)
		assert.NoError(t, closeFn())
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	log, closeFn, err := New(config.LoggerConfig{Level: "debug", Output: path})
	require.NoError(t, err)

	log.Debug("stream opened", "authorization", "Bearer sk")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stream opened")
	assert.NotContains(t, string(data), "Bearer sk")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNew_BadOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "app.log")})
	assert.ErrorContains(t, err, "open log output")
}
