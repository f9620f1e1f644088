package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	payload := []byte(`{"job_uuid":"abc","executor_class":"default"}`)
	sig := kp.Sign(payload)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	require.NoError(t, Verify(kp.Address(), payload, sig))
}

func TestVerify_TamperedPayload(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	sig := kp.Sign([]byte("payload"))
	require.Error(t, Verify(kp.Address(), []byte("payloaX"), sig))
}

func TestVerify_WrongSigner(t *testing.T) {
	kp1, err := Generate()
	require.NoError(t, err)
	kp2, err := Generate()
	require.NoError(t, err)
	sig := kp1.Sign([]byte("payload"))
	require.Error(t, Verify(kp2.Address(), []byte("payload"), sig))
}

func TestFromSeed_Deterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())
	assert.Equal(t, a.Sign([]byte("x")), b.Sign([]byte("x")))
}

func TestFromSeed_RejectsBadLength(t *testing.T) {
	_, err := FromSeed([]byte("short"))
	require.Error(t, err)
}
