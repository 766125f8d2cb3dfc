// Package secrets seals credential blobs at rest with AES-256-GCM under a
// single master key.
package secrets

import (
	"encoding/base64"
	"fmt"
)

// Box seals and opens opaque string blobs. Sealed values are
// base64(nonce || ciphertext), safe to store in a TEXT column.
type Box struct {
	provider *MasterKeyProvider
}

// NewBox wraps a master key provider.
func NewBox(provider *MasterKeyProvider) *Box {
	return &Box{provider: provider}
}

// Seal encrypts plaintext and returns a storable string.
func (b *Box) Seal(plaintext string) (string, error) {
	ciphertext, nonce, err := Encrypt([]byte(plaintext), b.provider.Key())
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	// GCM nonce is 12 bytes for AES.
	const nonceSize = 12
	if len(blob) < nonceSize {
		return "", fmt.Errorf("sealed value too short")
	}
	plaintext, err := Decrypt(blob[nonceSize:], blob[:nonceSize], b.provider.Key())
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
