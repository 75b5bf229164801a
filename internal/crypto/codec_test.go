package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(strings.Repeat("k", 32))
	require.NoError(t, err)

	ciphertext, err := codec.Encrypt("+15551234567")
	require.NoError(t, err)
	assert.NotEqual(t, "+15551234567", ciphertext)

	plaintext, err := codec.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", plaintext)
}

func TestCodecKeyLength(t *testing.T) {
	_, err := NewCodec("short")
	assert.Error(t, err)
}

func TestDecryptOrPlaintextLegacyFallback(t *testing.T) {
	codec, err := NewCodec(strings.Repeat("k", 32))
	require.NoError(t, err)

	// Legacy rows stored the value unencrypted; decrypt failure must fall
	// back to returning the stored value as-is.
	assert.Equal(t, "+15551234567", codec.DecryptOrPlaintext("+15551234567"))

	ciphertext, err := codec.Encrypt("secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", codec.DecryptOrPlaintext(ciphertext))
}
