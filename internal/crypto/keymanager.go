// Package crypto seals small secrets kept in the local store.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of a secretbox key.
	KeySize = 32

	// NonceSize is the size of a secretbox nonce.
	NonceSize = 24
)

var (
	// ErrInvalidKeySize indicates the key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext indicates the sealed box is too short.
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	// ErrDecryptionFailed indicates the box could not be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// KeyManager seals and opens data with a single secretbox key.
type KeyManager struct {
	key [KeySize]byte
}

// NewKeyManager creates a KeyManager. The key must be exactly KeySize bytes.
func NewKeyManager(key []byte) (*KeyManager, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	km := &KeyManager{}
	copy(km.key[:], key)
	return km, nil
}

// Encrypt seals plaintext. The nonce is prepended to the result.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &km.key), nil
}

// Decrypt opens a box produced by Encrypt.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, ErrInvalidCiphertext
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &km.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString seals a string and returns base64.
func (km *KeyManager) EncryptString(plaintext string) (string, error) {
	ciphertext, err := km.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString opens base64 produced by EncryptString.
func (km *KeyManager) DecryptString(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateKey returns a new random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// KeyFromBase64 decodes a stored key.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}
