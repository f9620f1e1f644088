package keystore

import (
	"path/filepath"
	"testing"

	"github.com/forgenet/forge/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoad_RoundTrip(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "hotkey.json")
	require.NoError(t, StoreKey(path, kp, "s3cret"))

	got, err := LoadKey(path, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), got.Address())
	assert.Equal(t, kp.Sign([]byte("x")), got.Sign([]byte("x")))
}

func TestDecrypt_WrongPassphrase(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	enc, err := EncryptKey(kp, "right")
	require.NoError(t, err)
	_, err = DecryptKey(enc, "wrong")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestMnemonic_Recovery(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	require.NoError(t, err)

	a, err := KeypairFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	b, err := KeypairFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())

	c, err := KeypairFromMnemonic(mnemonic, "different")
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), c.Address())
}

func TestMnemonic_Invalid(t *testing.T) {
	_, err := KeypairFromMnemonic("not a real mnemonic", "")
	require.Error(t, err)
}
