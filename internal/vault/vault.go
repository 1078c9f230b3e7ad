package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Vault encrypts connection credentials at rest
type Vault struct {
	key [keySize]byte
}

// New creates a vault from a base64-encoded 32-byte key
func New(base64Key string) (*Vault, error) {
	if base64Key == "" {
		return nil, errors.New("missing VAULT_KEY")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode VAULT_KEY: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("VAULT_KEY must decode to %d bytes, got %d", keySize, len(raw))
	}

	v := &Vault{}
	copy(v.key[:], raw)
	return v, nil
}

// Encrypt seals plaintext with a random nonce. An empty plaintext stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrInvalidCiphertext
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// GenerateKey returns a random base64 key suitable for New
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
