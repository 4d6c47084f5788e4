// Package vault seals API secrets at rest with AES-256-GCM.
//
// Sealed blobs carry an explicit format marker ("enc:v1:") so that
// historically-unencrypted values are recognised by inspection, never by
// "decrypt failed, assume plaintext".
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// marker prefixes every sealed blob; the version segment allows a
	// future format change without guessing.
	marker = "enc:v1:"

	keyLen = 32 // AES-256
)

var (
	// ErrIntegrity is returned when a blob fails authentication or is
	// structurally malformed. The plaintext is never returned in that case.
	ErrIntegrity = errors.New("vault: blob failed integrity check")

	// ErrNotSealed is returned by Unseal for input that does not carry the
	// format marker. Callers that still hold legacy plaintext secrets must
	// branch on IsSealed explicitly instead of relying on this error.
	ErrNotSealed = errors.New("vault: value is not a sealed blob")
)

// Vault seals and unseals secret strings with a process-wide key.
// A Vault constructed without a key operates in Disabled mode where
// Seal and Unseal are identity functions.
type Vault struct {
	aead     cipher.AEAD
	disabled bool
}

// New builds a Vault from the configured key. An empty key yields a
// disabled Vault; a key of the wrong length is a configuration error.
func New(key string) (*Vault, error) {
	if key == "" {
		return &Vault{disabled: true}, nil
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("vault: key must be exactly %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Disabled reports whether the Vault passes values through unchanged.
func (v *Vault) Disabled() bool { return v.disabled }

// IsSealed reports whether the value carries the sealed-blob marker.
func IsSealed(value string) bool { return strings.HasPrefix(value, marker) }

// Seal encrypts secret with a fresh random nonce and returns the marked
// blob. In Disabled mode the secret is returned unchanged.
func (v *Vault) Seal(secret string) (string, error) {
	if v.disabled {
		return secret, nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(secret), nil)
	return marker + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a marked blob. Unmarked input yields ErrNotSealed;
// tampered or malformed blobs yield ErrIntegrity. In Disabled mode the
// input is returned unchanged.
func (v *Vault) Unseal(blob string) (string, error) {
	if v.disabled {
		return blob, nil
	}
	if !IsSealed(blob) {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, marker))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: blob shorter than nonce", ErrIntegrity)
	}
	plain, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return string(plain), nil
}
