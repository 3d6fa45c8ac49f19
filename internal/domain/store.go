package domain

import "context"

// Persisted client state keys.
const (
	KeyThreads          = "testscribe:threads"
	KeyActiveThreadID   = "testscribe:activeThreadId"
	KeySelectedModel    = "testscribe:selectedModel"
	KeySidebarCollapsed = "testscribe:sidebarCollapsed"
	KeyAPIKeys          = "testscribe:apiKeys"
)

// KVStore persists independent JSON blobs under fixed string keys.
// Load returns ErrNotFound when nothing is stored under key.
type KVStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
