package tool

import (
	"errors"
	"testing"
)

func FuzzClassifyToolError(f *testing.F) {
	for _, s := range []string{
		"connection refused",
		"context deadline exceeded",
		"composio: upstream status 502: bad gateway",
		"mcp playwright/click: unexpected EOF",
		"Composio.Execute: GMAIL_SEND_EMAIL: invalid recipient: tool execution failed",
		"",
		"\x00\xff",
	} {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, msg string) {
		_ = classifyToolError(errors.New(msg))
	})
}
