package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionKeyExchangeRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	pubBytes, err := MarshalPublicKeyPKIX(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPKIX(pubBytes)
	require.NoError(t, err)

	key, err := GenerateSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(pub, key)
	require.NoError(t, err)

	unwrapped, err := UnwrapSessionKey(priv, wrapped)
	require.NoError(t, err)
	require.Equal(t, key, unwrapped)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)

	plaintext := []byte("video frame payload bytes")
	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()

	sealed, err := Seal(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(key2, sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestUnwrapSessionKeyRejectsCorruptData(t *testing.T) {
	priv, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	_, err = UnwrapSessionKey(priv, []byte("not a valid ciphertext"))
	require.ErrorIs(t, err, ErrDecrypt)
}
