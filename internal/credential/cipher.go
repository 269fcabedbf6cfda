// Package credential encrypts principal-owned provider API keys and resolves
// which key a search should use.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/rotisserie/eris"
)

// Cipher encrypts and decrypts credential material.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESCipher is an AES-256-GCM Cipher. Ciphertexts are base64 of
// nonce||sealed.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds a cipher from a base64-encoded 32 byte key.
func NewAESCipher(encodedKey string) (*AESCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, eris.Wrap(err, "credential: decode key")
	}
	if len(key) != 32 {
		return nil, eris.Errorf("credential: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "credential: new cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "credential: new gcm")
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", eris.Wrap(err, "credential: nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", eris.Wrap(err, "credential: decode ciphertext")
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", eris.New("credential: ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", eris.Wrap(err, "credential: open")
	}
	return string(plain), nil
}
