// Package crypto seals credentials kept in the local settings collection.
// Uses AES-256-GCM with a key derived by HKDF-SHA256 from a machine identifier.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	keySalt        = "stockroom:credentials:v1"
	defaultMachine = "stockroom-default-machine"
)

// Encrypt encrypts plaintext with a 32-byte key using AES-256-GCM.
// The nonce is prepended and the result is base64 encoded.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a 32-byte key from a machine-specific identifier.
// An empty identifier falls back to a fixed default.
func DeriveKey(machineID string) []byte {
	if machineID == "" {
		machineID = defaultMachine
	}
	r := hkdf.New(sha256.New, []byte(machineID), []byte(keySalt), []byte("remote-api-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// Sealer encrypts and decrypts credentials with a machine-bound key.
type Sealer struct {
	key []byte
}

// NewSealer returns a Sealer keyed to machineID.
func NewSealer(machineID string) *Sealer {
	return &Sealer{key: DeriveKey(machineID)}
}

// Seal encrypts secret for storage.
func (s *Sealer) Seal(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	return Encrypt([]byte(secret), s.key)
}

// Open decrypts a value produced by Seal. An empty value means no secret is set.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, err := Decrypt(sealed, s.key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
