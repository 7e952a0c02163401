package creds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Kind selects which secret of an identity is addressed.
type Kind string

const (
	KindMailbox  Kind = "mailbox"
	KindPlatform Kind = "platform"
)

var (
	// ErrSecretNotFound means no secret is stored under the identity/kind pair.
	ErrSecretNotFound = errors.New("creds: secret not found")
	// ErrBadKey means the sealing key is not 32 bytes.
	ErrBadKey = errors.New("creds: sealing key must be 32 bytes")
)

// Store is the credential collaborator used by workflow steps. Steps never
// write secrets directly; password recovery rotates through this interface.
type Store interface {
	GetSecret(ctx context.Context, identityID string, kind Kind) (string, error)
	Rotate(ctx context.Context, identityID string, kind Kind, newSecret string) error
}

// InMemory keeps secrets sealed with AES-256-GCM under one process key.
// Plaintext exists only inside GetSecret callers.
type InMemory struct {
	mu        sync.RWMutex
	aead      cipher.AEAD
	vault     map[string][]byte
	rotations map[string]int
}

// NewInMemory constructs a store sealing with the given 32-byte key.
func NewInMemory(key []byte) (*InMemory, error) {
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		aead:      aead,
		vault:     make(map[string][]byte),
		rotations: make(map[string]int),
	}, nil
}

// Put seeds or replaces a secret. Used when identities are loaded; the
// workflow itself only reads and rotates.
func (s *InMemory) Put(identityID string, kind Kind, secret string) error {
	sealed, err := s.seal(secret)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vault[vaultKey(identityID, kind)] = sealed
	return nil
}

// GetSecret opens and returns the stored secret.
func (s *InMemory) GetSecret(ctx context.Context, identityID string, kind Kind) (string, error) {
	s.mu.RLock()
	sealed, ok := s.vault[vaultKey(identityID, kind)]
	s.mu.RUnlock()
	if !ok {
		return "", ErrSecretNotFound
	}
	return s.open(sealed)
}

// Rotate replaces an existing secret and bumps the rotation counter.
// Rotating a secret that was never stored fails with ErrSecretNotFound.
func (s *InMemory) Rotate(ctx context.Context, identityID string, kind Kind, newSecret string) error {
	if newSecret == "" {
		return fmt.Errorf("creds: new secret is empty")
	}
	sealed, err := s.seal(newSecret)
	if err != nil {
		return err
	}
	key := vaultKey(identityID, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vault[key]; !ok {
		return ErrSecretNotFound
	}
	s.vault[key] = sealed
	s.rotations[key]++
	return nil
}

// Rotations reports how many times the secret has been rotated.
func (s *InMemory) Rotations(identityID string, kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotations[vaultKey(identityID, kind)]
}

func (s *InMemory) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *InMemory) open(sealed []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("creds: sealed blob too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("creds: open secret: %w", err)
	}
	return string(plaintext), nil
}

func vaultKey(identityID string, kind Kind) string {
	return identityID + "/" + string(kind)
}
