package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	keyDerivationItr = 4096
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

func deriveGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, keyDerivationItr, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fail to create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals src with a key derived from password. The output is
// base64(salt || nonce || ciphertext).
func Encrypt(password, src string) (string, error) {
	if password == "" {
		return "", errors.New("encryption password is empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("fail to generate salt: %w", err)
	}
	gcm, err := deriveGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fail to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(src)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(src), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func Decrypt(password string, src string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(src)
	if err != nil {
		return "", fmt.Errorf("fail to decode ciphertext: %w", err)
	}
	if len(raw) < saltSize {
		return "", ErrCiphertextTooShort
	}
	gcm, err := deriveGCM(password, raw[:saltSize])
	if err != nil {
		return "", err
	}
	raw = raw[saltSize:]
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("fail to decrypt: %w", err)
	}
	return string(plaintext), nil
}
