package dynamic

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, 3*time.Second, c.Duration(OrganicJobInitialResponseTimeout))
	assert.Equal(t, 300*time.Second, c.Duration(OrganicJobTimeout))
	assert.True(t, c.Bool(ReceiptTransferEnabled))
	assert.False(t, c.Bool(DisableTrustedOrganicJobEvents))
}

func TestNewFromFile_Overrides(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dynamic.yaml")
	require.NoError(t, os.WriteFile(p, []byte("ORGANIC_JOB_TIMEOUT: 60\nRECEIPT_TRANSFER_ENABLED: false\n"), 0600))

	c, err := NewFromFile(p)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Duration(OrganicJobTimeout))
	assert.False(t, c.Bool(ReceiptTransferEnabled))
	// Untouched names keep defaults.
	assert.Equal(t, 3*time.Second, c.Duration(OrganicJobInitialResponseTimeout))
}

func TestNewFromFile_RejectsUnknownName(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dynamic.yaml")
	require.NoError(t, os.WriteFile(p, []byte("NOT_A_REAL_OPTION: 1\n"), 0600))
	_, err := NewFromFile(p)
	require.ErrorContains(t, err, "unknown dynamic option")
}

func TestWatch_HotReload(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dynamic.yaml")
	require.NoError(t, os.WriteFile(p, []byte("ORGANIC_JOB_TIMEOUT: 60\n"), 0600))

	c, err := NewFromFile(p)
	require.NoError(t, err)
	require.NoError(t, c.Watch())
	defer func() {
		require.NoError(t, c.Stop())
	}()

	require.NoError(t, os.WriteFile(p, []byte("ORGANIC_JOB_TIMEOUT: 120\n"), 0600))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Duration(OrganicJobTimeout) == 2*time.Minute {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dynamic config was not reloaded, have %v", c.Duration(OrganicJobTimeout))
}

func TestSet(t *testing.T) {
	c := New()
	require.NoError(t, c.Set(ReceiptTransferEnabled, false))
	assert.False(t, c.Bool(ReceiptTransferEnabled))
	require.ErrorContains(t, c.Set("BOGUS", 1), "unknown dynamic option")
}
