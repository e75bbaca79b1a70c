package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-master-key-do-not-use-in-prod")
	require.NoError(t, err)

	plaintext := []byte("super-secret-ssh-password")
	secret, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	assert.Equal(t, Algorithm, secret.Algorithm)
	assert.Len(t, secret.Salt, saltLen)
	assert.Len(t, secret.Nonce, nonceLen)

	got, err := v.Decrypt(secret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	plaintext := []byte("identical-plaintext")
	a, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	b, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptRejectsUnknownAlgorithm(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	secret, err := v.Encrypt([]byte("value"))
	require.NoError(t, err)
	secret.Algorithm = "AES-256-CBC/legacy"

	_, err = v.Decrypt(secret)
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrUnknownAlgorithm)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	secret, err := v.Encrypt([]byte("value"))
	require.NoError(t, err)
	secret.Ciphertext[0] ^= 0xFF

	_, err = v.Decrypt(secret)
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrBadCiphertext)
}

func TestNewRejectsEmptyMasterKey(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrMasterKeyMissing)
}

func TestDecryptRejectsWrongMasterKey(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	secret, err := v1.Encrypt([]byte("value"))
	require.NoError(t, err)

	_, err = v2.Decrypt(secret)
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrBadCiphertext)
}
