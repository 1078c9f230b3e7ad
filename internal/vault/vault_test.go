package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return v
}

func TestEncryptDecrypt(t *testing.T) {
	v := testVault(t)

	ciphertext, err := v.Encrypt("flex-token-123")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "flex-token-123")

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "flex-token-123", plaintext)

	// random nonce per call
	again, err := v.Encrypt("flex-token-123")
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, again)
}

func TestEmptyValuesStayEmpty(t *testing.T) {
	v := testVault(t)

	ciphertext, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := testVault(t)
	ciphertext, err := v.Encrypt("secret")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0xff
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = v.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	other, err := GenerateKey()
	require.NoError(t, err)
	otherVault, err := New(other)
	require.NoError(t, err)
	_, err = otherVault.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewValidatesKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("%%%")
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
