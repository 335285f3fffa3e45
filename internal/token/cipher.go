package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Cipher handles the AES-256-GCM transport encryption agreed with the token
// issuer. The wire format is a hard contract between issuer and consumer:
//
//	ivHex:authTagHex:cipherHex
//
// The key is derived from the shared secret with SHA-256. The legacy CBC
// variant of this format is not supported.
type Cipher struct {
	gcm cipher.AEAD
}

const gcmTagSize = 16

// NewCipher derives a 256-bit key from the shared secret and prepares the
// AEAD. The secret must be non-empty.
func NewCipher(sharedSecret string) (*Cipher, error) {
	if sharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}

	key := sha256.Sum256([]byte(sharedSecret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt encrypts plaintext and encodes it to the transport format.
// Used by tests and local issuers; the service itself only decrypts.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the auth tag to the ciphertext
	sealed := c.gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt decodes the transport format and decrypts the credential material.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed encrypted token: expected iv:tag:ciphertext")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != c.gcm.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", c.gcm.NonceSize(), len(iv))
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	if len(tag) != gcmTagSize {
		return nil, fmt.Errorf("auth tag must be %d bytes, got %d", gcmTagSize, len(tag))
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := c.gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
