// Package crypto seals provider credentials at rest with AES-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBadKeySize is returned when the sealing key is not a valid AES key length.
	ErrBadKeySize = errors.New("sealing key must be 16, 24, or 32 bytes")

	// ErrCiphertextTooShort is returned when a sealed value is truncated.
	ErrCiphertextTooShort = errors.New("sealed value too short")

	// ErrOpenFailed is returned when authentication of a sealed value fails.
	ErrOpenFailed = errors.New("sealed value failed authentication")
)

// Sealer encrypts and decrypts short secrets such as upstream API keys.
// Sealed values carry the nonce as a prefix and are base64-encoded.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a raw AES key of 16, 24, or 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrBadKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromString builds a Sealer from a base64-encoded key, the form
// used in environment variables.
func NewSealerFromString(encoded string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts a secret and returns it base64-encoded. Empty input is
// passed through so optional credentials stay optional.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead()+1 {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a random base64-encoded AES-256 key, suitable for
// seeding GATEWAY_SEALING_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
