package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DocumentKeySize is the AES-256 key size.
	DocumentKeySize = 32
	gcmNonceSize    = 12
)

// ErrCiphertextTooShort is returned when encrypted data cannot contain a nonce and tag.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey derives a key of size bytes from master using HKDF-SHA256 with
// the given salt and info. Equal inputs always yield the same key.
func DeriveKey(master, salt, info []byte, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, info), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-GCM under key, binding
// additionalData. The output format is [nonce (12 bytes)][ciphertext+tag].
func EncryptAESGCM(key, plaintext, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, gcmNonceSize+len(plaintext)+aesGCM.Overhead())
	out = append(out, nonce...)
	return aesGCM.Seal(out, nonce, plaintext, additionalData), nil
}

// DecryptAESGCM reverses EncryptAESGCM.
func DecryptAESGCM(key, data, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcmNonceSize+aesGCM.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := aesGCM.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
