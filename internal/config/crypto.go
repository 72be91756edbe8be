package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const encryptedPrefix = "encrypted:"

// Keyring encrypts and decrypts camera credentials with AES-GCM. The
// key material comes from the ENCRYPTION_KEY environment variable and
// must be at least 32 bytes.
type Keyring struct {
	key []byte
}

// NewKeyring derives a keyring from raw key material.
func NewKeyring(material string) (*Keyring, error) {
	if len(material) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 bytes, got %d", len(material))
	}
	sum := sha256.Sum256([]byte(material))
	return &Keyring{key: sum[:]}, nil
}

// KeyringFromEnv builds the keyring from ENCRYPTION_KEY. A missing or
// short key is a fatal configuration error.
func KeyringFromEnv() (*Keyring, error) {
	material := os.Getenv("ENCRYPTION_KEY")
	if material == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not set")
	}
	return NewKeyring(material)
}

// Encrypt encrypts plaintext and returns it with the "encrypted:"
// prefix. Already-encrypted values pass through unchanged.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, encryptedPrefix) {
		return plaintext, nil
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a value produced by Encrypt. Values without the
// prefix are returned as-is (legacy plaintext credentials).
func (k *Keyring) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	raw := strings.TrimPrefix(value, encryptedPrefix)

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
