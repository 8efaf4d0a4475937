package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/droidpool/droidpool/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher("test-master-secret")
	require.NoError(t, err)

	plaintext := []byte("sk-factory-abc123")

	encrypted, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, string(plaintext), encrypted)
	assert.NotContains(t, encrypted, string(plaintext))

	decrypted, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestCipherNonceUniqueness(t *testing.T) {
	cipher, err := NewCipher("test-master-secret")
	require.NoError(t, err)

	first, err := cipher.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := cipher.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipherTamperDetection(t *testing.T) {
	cipher, err := NewCipher("test-master-secret")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt([]byte("refresh-token"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = cipher.Decrypt(tampered)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestCipherWrongKey(t *testing.T) {
	cipher, err := NewCipher("secret-one")
	require.NoError(t, err)
	other, err := NewCipher("secret-two")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt([]byte("access-token"))
	require.NoError(t, err)

	_, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestCipherMalformedCiphertext(t *testing.T) {
	cipher, err := NewCipher("test-master-secret")
	require.NoError(t, err)

	_, err = cipher.Decrypt("not base64 at all!!!")
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	_, err = cipher.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestCipherRequiresMasterSecret(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestHashAPIKey(t *testing.T) {
	first := HashAPIKey("sk-abc")
	second := HashAPIKey("sk-abc")
	other := HashAPIKey("sk-def")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Len(t, first, 64)
}
