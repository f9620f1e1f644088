package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopy_Detached(t *testing.T) {
	cfg := MainnetConfig().Copy()
	cfg.CacheAhead = 99
	assert.NotEqual(t, MainnetConfig().CacheAhead, cfg.CacheAhead)
}

func TestOverrideForgeConfig(t *testing.T) {
	SetupTestConfigCleanup(t)
	cfg := ForgeNetworkConfig().Copy()
	cfg.MinValidatorStake = 5
	OverrideForgeConfig(cfg)
	assert.Equal(t, float64(5), ForgeNetworkConfig().MinValidatorStake)
}

func TestSweepConcurrencyDefaults(t *testing.T) {
	cfg := MainnetConfig()
	// Once-mode and keep-up sweeps share the wide bound; only the
	// background catch-up pass runs narrow.
	assert.Equal(t, int64(50), cfg.OnceConcurrency)
	assert.Equal(t, int64(50), cfg.KeepUpConcurrency)
	assert.Equal(t, int64(10), cfg.CatchUpConcurrency)
}

func TestLoadChainConfigFile_OverridesOnlyPresentFields(t *testing.T) {
	SetupTestConfigCleanup(t)
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("CONFIG_NAME: devnet\nNET_UID: 49\n"), 0600))

	LoadChainConfigFile(p)

	got := ForgeNetworkConfig()
	assert.Equal(t, "devnet", got.ConfigName)
	assert.Equal(t, uint16(49), got.NetUID)
	// Untouched fields keep their mainnet defaults.
	want := MainnetConfig().Copy()
	want.ConfigName = got.ConfigName
	want.NetUID = got.NetUID
	if diff, ok := messagediff.PrettyDiff(*want, *got); !ok {
		t.Errorf("Loaded config unexpectedly diverged from defaults: %s", diff)
	}
}
