package params

import (
	"os"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
)

// LoadChainConfigFile loads a yaml chain config file and applies it on top of
// the mainnet defaults, then makes the result the active config. Only fields
// present in the file are overridden.
func LoadChainConfigFile(chainConfigFileName string) {
	yamlFile, err := os.ReadFile(chainConfigFileName) // #nosec G304
	if err != nil {
		log.WithError(err).Fatal("Failed to read chain config file.")
	}
	conf := MainnetConfig().Copy()
	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		log.WithError(err).Fatal("Failed to parse chain config file.")
	}
	log.Debugf("Config file values: %+v", conf)
	OverrideForgeConfig(conf)
}
