// ABOUTME: Tests for the passphrase codec
// ABOUTME: Covers round-trips, wrong-passphrase rejection, and corrupt blobs

package pickle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	codec := NewPassphraseCodec("secret passphrase")

	plaintext := []byte("olm account pickle material")
	blob, err := codec.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, blob)

	got, err := codec.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealOpen_EmptyPassphrase(t *testing.T) {
	codec := NewPassphraseCodec("")

	blob, err := codec.Seal([]byte("data"))
	require.NoError(t, err)

	got, err := codec.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestSeal_Nondeterministic(t *testing.T) {
	codec := NewPassphraseCodec("pw")

	a, err := codec.Seal([]byte("data"))
	require.NoError(t, err)
	b, err := codec.Seal([]byte("data"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh salt and nonce per seal")
}

func TestOpen_WrongPassphrase(t *testing.T) {
	blob, err := NewPassphraseCodec("right").Seal([]byte("data"))
	require.NoError(t, err)

	_, err = NewPassphraseCodec("wrong").Open(blob)
	assert.ErrorIs(t, err, ErrCorruptBlob)
}

func TestOpen_Corrupt(t *testing.T) {
	codec := NewPassphraseCodec("pw")

	_, err := codec.Open([]byte("too short"))
	assert.ErrorIs(t, err, ErrCorruptBlob)

	blob, err := codec.Seal([]byte("data"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = codec.Open(blob)
	assert.ErrorIs(t, err, ErrCorruptBlob)
}
