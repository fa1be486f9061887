package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/V1an1337/MailAdmin/internal/domain/port/driven"
)

// sealedPrefix marks values written by an encrypting secretBox. Values without
// it are plaintext rows written before a key was configured.
const sealedPrefix = "enc:v1:"

// ParseSecretKey decodes a base64 AES-256 key. An empty string yields a nil
// key, which disables encryption at rest.
func ParseSecretKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != 32 {
		return nil, driven.ErrEncryptionKeyInvalid
	}
	return key, nil
}

// secretBox seals mailbox secrets with AES-256-GCM before they reach the
// database. A nil key stores plaintext. Empty strings are never sealed so
// SQL emptiness checks keep working on encrypted columns.
type secretBox struct {
	gcm cipher.AEAD
}

func newSecretBox(key []byte) (*secretBox, error) {
	if key == nil {
		return &secretBox{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &secretBox{gcm: gcm}, nil
}

// seal encrypts plaintext and returns sealedPrefix + base64(nonce || ciphertext || tag).
func (b *secretBox) seal(plaintext string) (string, error) {
	if b.gcm == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	ciphertext := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open reverses seal. Plaintext legacy values pass through unchanged.
func (b *secretBox) open(stored string) (string, error) {
	encoded, sealed := strings.CutPrefix(stored, sealedPrefix)
	if !sealed {
		return stored, nil
	}
	if b.gcm == nil {
		return "", errors.New("value is encrypted but no key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	nonceSize := b.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}
