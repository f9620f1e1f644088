package params

import (
	"sync"

	"github.com/mohae/deepcopy"
)

var (
	cfgLock     sync.RWMutex
	forgeConfig = MainnetConfig()
)

// ForgeNetworkConfig retrieves the active network config.
func ForgeNetworkConfig() *ForgeConfig {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return forgeConfig
}

// OverrideForgeConfig by replacing the config. The preferred pattern is to
// call ForgeNetworkConfig(), change the specific parameters, and then call
// OverrideForgeConfig(c).
func OverrideForgeConfig(c *ForgeConfig) {
	cfgLock.Lock()
	defer cfgLock.Unlock()
	forgeConfig = c
}

// Copy returns a deep copy of the config object.
func (c *ForgeConfig) Copy() *ForgeConfig {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	config, ok := deepcopy.Copy(*c).(ForgeConfig)
	if !ok {
		panic("somehow deepcopy produced a value of the wrong type")
	}
	return &config
}

// SetupTestConfigCleanup preserves the config during a test run, restoring
// the previous active config on cleanup.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prev := ForgeNetworkConfig().Copy()
	t.Cleanup(func() {
		OverrideForgeConfig(prev)
	})
}
