package hash

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Sha256Vector(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	got := Hash([]byte("abc"))
	assert.Equal(t, want, hex.EncodeToString(got[:]))
}

func TestFastSum64_Stable(t *testing.T) {
	a := FastSum64([]byte("receipt"))
	b := FastSum64([]byte("receipt"))
	c := FastSum64([]byte("receipts"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashKeyed_RejectsShortKey(t *testing.T) {
	_, err := HashKeyed([]byte("short"), []byte("data"))
	require.Error(t, err)
}
