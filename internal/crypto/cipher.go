package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/droidpool/droidpool/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keySalt = "droidpool-credential-secrets"
	keyInfo = "secret-encryption-key"
)

// Cipher is the process-wide encryption gateway for secret fields. The AEAD
// key is derived once at startup from the operator-supplied master secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the XChaCha20-Poly1305 key from the master secret via
// HKDF-SHA256.
func NewCipher(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(keySalt), []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce and returns
// base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. A tampered ciphertext or a key
// mismatch fails with domain.ErrIntegrity, never silent garbage.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding: %v", domain.ErrIntegrity, err)
	}

	if len(raw) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", domain.ErrIntegrity)
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}

	return plaintext, nil
}

// HashAPIKey returns the SHA-256 hex digest of a plaintext key, used for
// duplicate detection without retaining the plaintext.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
