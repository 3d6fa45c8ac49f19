package store

import (
	"context"

	"testscribe/internal/domain"
)

// Sealer encrypts and decrypts values.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Sealed encrypts the values of selected keys before they reach the inner
// store. Other keys pass through untouched. Values stored in the clear
// before sealing was enabled still load.
type Sealed struct {
	inner  domain.KVStore
	sealer Sealer
	keys   map[string]bool
}

// NewSealed wraps inner, sealing the given keys.
func NewSealed(inner domain.KVStore, sealer Sealer, keys ...string) *Sealed {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &Sealed{inner: inner, sealer: sealer, keys: set}
}

func (s *Sealed) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Load(ctx, key)
	if err != nil || !s.keys[key] {
		return data, err
	}
	return s.sealer.Open(string(data))
}

func (s *Sealed) Save(ctx context.Context, key string, value []byte) error {
	if !s.keys[key] {
		return s.inner.Save(ctx, key, value)
	}
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return domain.NewDomainError("Sealed.Save", domain.ErrEncryption, err.Error())
	}
	return s.inner.Save(ctx, key, []byte(sealed))
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
