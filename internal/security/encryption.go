// Package security seals secrets stored on the client's disk.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"testscribe/internal/domain"
)

const (
	sealPrefix = "enc:"
	saltSize   = 16
	keySize    = 32
)

// Sealer encrypts values with AES-256-GCM under a key derived from a
// passphrase via Argon2id. The salt travels with each sealed value so a
// later process holding the same passphrase can open it.
type Sealer struct {
	mu         sync.Mutex
	passphrase []byte
	salt       []byte
	keys       map[string][]byte // by salt
}

// NewSealer creates a sealer. The passphrase must not be empty.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	s := &Sealer{
		passphrase: []byte(passphrase),
		salt:       salt,
		keys:       make(map[string][]byte),
	}
	s.keys[string(salt)] = deriveKey(s.passphrase, salt)
	return s, nil
}

// Seal returns "enc:" + base64(salt + nonce + ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	key, err := s.key(s.salt)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, s.salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Input without the "enc:" prefix is returned as-is
// so values written before sealing was enabled stay readable.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	if !IsSealed(sealed) {
		return []byte(sealed), nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return nil, domain.WrapOp("base64 decode", domain.ErrDecryption)
	}
	if len(data) < saltSize {
		return nil, domain.NewDomainError("Sealer.Open", domain.ErrDecryption, "sealed value too short")
	}

	key, err := s.key(data[:saltSize])
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	rest := data[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, domain.NewDomainError("Sealer.Open", domain.ErrDecryption, "sealed value too short")
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, domain.NewDomainError("Sealer.Open", domain.ErrDecryption, "wrong passphrase or corrupted value")
	}
	return plaintext, nil
}

// IsSealed reports whether s carries the sealed prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix)
}

// Zeroize clears the passphrase and derived keys. The sealer is unusable
// afterwards.
func (s *Sealer) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.passphrase {
		s.passphrase[i] = 0
	}
	s.passphrase = nil
	for salt, key := range s.keys {
		for i := range key {
			key[i] = 0
		}
		delete(s.keys, salt)
	}
}

func (s *Sealer) key(salt []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[string(salt)]; ok {
		return key, nil
	}
	if s.passphrase == nil {
		return nil, domain.NewDomainError("Sealer.key", domain.ErrEncryption, "sealer zeroized")
	}
	key := deriveKey(s.passphrase, salt)
	s.keys[string(salt)] = key
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize)
}
