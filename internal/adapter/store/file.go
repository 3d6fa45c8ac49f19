package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"testscribe/internal/domain"
)

// File stores each key as one JSON file under a directory. Writes go
// through a temp file and a rename so a crash never leaves a torn value.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates dir if needed and returns a store rooted there.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// path maps a key such as "testscribe:threads" to "testscribe.threads.json".
func (f *File) path(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '.'
	}, key)
	return filepath.Join(f.dir, name+".json")
}

func (f *File) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapOp("read "+key, err)
	}
	return data, nil
}

func (f *File) Save(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return domain.WrapOp("write "+key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return domain.WrapOp("rename "+key, err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.WrapOp("delete "+key, err)
	}
	return nil
}
