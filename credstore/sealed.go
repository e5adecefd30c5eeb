package credstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltKey is the slot holding the key-derivation salt written by OpenSealed.
const SaltKey = "sealed_salt"

const saltLength = 16

// Argon2id parameters for DeriveKey.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// SealedKV encrypts values with XChaCha20-Poly1305 before handing them to the
// wrapped KV. The key name is bound as additional data, so a value copied into
// another slot fails to open.
type SealedKV struct {
	inner KV
	key   []byte
}

var _ KV = (*SealedKV)(nil)

// NewSealedKV wraps inner with a 32-byte key.
func NewSealedKV(inner KV, key []byte) (*SealedKV, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credstore: sealed key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SealedKV{inner: inner, key: append([]byte(nil), key...)}, nil
}

// DeriveKey stretches a passphrase into a sealing key with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// OpenSealed wraps inner with a key derived from passphrase. The salt is
// generated on first use and stored unencrypted in the SaltKey slot.
func OpenSealed(ctx context.Context, inner KV, passphrase string) (*SealedKV, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("credstore: passphrase is required")
	}
	salt, err := inner.Get(ctx, SaltKey)
	if errors.Is(err, ErrNotFound) {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("credstore: generate salt: %w", err)
		}
		if err := inner.Set(ctx, SaltKey, salt); err != nil {
			return nil, fmt.Errorf("credstore: store salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("credstore: read salt: %w", err)
	}
	return NewSealedKV(inner, DeriveKey(passphrase, salt))
}

func (s *SealedKV) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("credstore: sealed value for %q is truncated", key)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("credstore: open %q: %w", key, err)
	}
	return plain, nil
}

func (s *SealedKV) Set(ctx context.Context, key string, value []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credstore: generate nonce: %w", err)
	}
	return s.inner.Set(ctx, key, aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *SealedKV) Remove(ctx context.Context, keys ...string) error {
	return s.inner.Remove(ctx, keys...)
}
