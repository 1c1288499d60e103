// Package secret encrypts sensitive strings (TOTP secrets, backup codes) at
// rest with AES-256-GCM. Tampering surfaces as a decrypt failure.
package secret

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

// ErrCrypto is returned for malformed ciphertext, a wrong key, or tampering.
var ErrCrypto = errors.New("crypto error")

const keyInfo = "gatehouse/secret-cipher/v1"

// Cipher seals and opens strings with a process-wide key.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithRand overrides the nonce source. Tests use it for deterministic output.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) { c.rand = r }
}

// NewCipher derives a 256-bit AES key from passphrase with HKDF-SHA256.
func NewCipher(passphrase string, opts ...Option) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secret: empty encryption key")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	c := &Cipher{aead: aead, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt returns base64(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: read nonce: %v", ErrCrypto, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrCrypto, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return string(plain), nil
}

// EncryptAll encrypts each value in order.
func (c *Cipher) EncryptAll(values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		enc, err := c.Encrypt(v)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}
