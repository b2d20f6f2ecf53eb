package s3orm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// EncryptionKeySize is the AES-256 key length in bytes
const EncryptionKeySize = 32

// EncryptionBackend wraps a backend with AES-256-GCM encryption of object
// bodies. Keys are stored as they are, so index keys (which carry field
// values in their names) stay readable to anyone who can list the bucket.
//
// Each object is nonce || ciphertext || tag with a fresh random nonce.
type EncryptionBackend struct {
	Backend
	aead cipher.AEAD
}

// NewEncryptionBackend wraps backend; key must be EncryptionKeySize bytes
func NewEncryptionBackend(backend Backend, key []byte) (*EncryptionBackend, error) {
	if len(key) != EncryptionKeySize {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": EncryptionKeySize,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires a 32-byte key",
		})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptionBackend{Backend: backend, aead: aead}, nil
}

// DecodeEncryptionKey parses a base64 (standard encoding) AES-256 key as
// found in BackendConfig.EncryptionKey
func DecodeEncryptionKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "EncryptionKey",
			"reason": "not valid base64",
		})
	}
	if len(key) != EncryptionKeySize {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "EncryptionKey",
			"reason": fmt.Sprintf("decodes to %d bytes, want %d", len(key), EncryptionKeySize),
		})
	}
	return key, nil
}

func (e *EncryptionBackend) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := e.seal(data)
	if err != nil {
		return err
	}
	return e.Backend.Put(ctx, key, sealed)
}

func (e *EncryptionBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := e.open(sealed)
	if err != nil {
		return nil, WithContext(err, map[string]interface{}{"key": key})
	}
	return data, nil
}

func (e *EncryptionBackend) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *EncryptionBackend) open(sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n+e.aead.Overhead() {
		return nil, WithContext(ErrEncoding, map[string]interface{}{
			"reason": "ciphertext too short",
			"actual": len(sealed),
		})
	}
	plaintext, err := e.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, WithContext(ErrEncoding, map[string]interface{}{"reason": "decryption failed"})
	}
	return plaintext, nil
}
