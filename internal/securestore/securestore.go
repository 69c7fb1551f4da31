// Package securestore wraps the durable key-value store with authenticated
// encryption for values that must not sit on disk in the clear: auth
// tokens and the cached delivery shadow.
package securestore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/diayal/courierd/internal/store"
)

var ErrNotFound = errors.New("not found")

const deviceKeyLength = 32

// KV is the plain storage primitive the secure store sits on.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type SecureStore struct {
	kv   KV
	aead cipher.AEAD
}

// Open loads the device key from keyPath, generating it on first use, and
// returns a store encrypting with a key derived from it.
func Open(kv KV, keyPath string) (*SecureStore, error) {
	key, err := loadOrCreateDeviceKey(keyPath)
	if err != nil {
		return nil, err
	}
	return New(kv, key)
}

// New derives the at-rest cipher key from the device key via HKDF-SHA256.
func New(kv KV, deviceKey []byte) (*SecureStore, error) {
	if len(deviceKey) < deviceKeyLength {
		return nil, fmt.Errorf("device key too short: %d bytes", len(deviceKey))
	}
	h := hkdf.New(sha256.New, deviceKey, nil, []byte("courierd-at-rest"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive at-rest key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &SecureStore{kv: kv, aead: aead}, nil
}

// SetEncrypted seals value and stores nonce||ciphertext under key.
func (s *SecureStore) SetEncrypted(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.kv.Set(ctx, key, sealed)
}

// GetDecrypted opens the value under key. Tampered or foreign ciphertext
// fails closed.
func (s *SecureStore) GetDecrypted(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext for %s too short", key)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (s *SecureStore) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

func loadOrCreateDeviceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != deviceKeyLength {
			return nil, fmt.Errorf("device key %s has unexpected length %d", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read device key: %w", err)
	}
	key = make([]byte, deviceKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}
