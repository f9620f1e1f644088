// Package dynamic serves runtime-tunable configuration for the forge
// validator. Values have compiled-in defaults, may be overridden by a yaml
// file, and are hot-reloaded when that file changes. Readers always see a
// consistent snapshot; a reload replaces the whole map atomically.
package dynamic

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "dynamic")

// Recognized option names. Every name listed here has a default; unknown
// names in an override file are rejected at load time.
const (
	RoutingPreliminaryReservationTimeSeconds = "ROUTING_PRELIMINARY_RESERVATION_TIME_SECONDS"
	OrganicJobTimeout                        = "ORGANIC_JOB_TIMEOUT"
	OrganicJobInitialResponseTimeout         = "ORGANIC_JOB_INITIAL_RESPONSE_TIMEOUT"
	OrganicJobExecutorReadyTimeout           = "ORGANIC_JOB_EXECUTOR_READY_TIMEOUT"
	JobCheatedBlacklistTimeSeconds           = "JOB_CHEATED_BLACKLIST_TIME_SECONDS"
	JobFailureBlacklistTimeSeconds           = "JOB_FAILURE_BLACKLIST_TIME_SECONDS"
	MinimumValidatorStakeForExcuse           = "MINIMUM_VALIDATOR_STAKE_FOR_EXCUSE"
	ReceiptTransferEnabled                   = "RECEIPT_TRANSFER_ENABLED"
	ReceiptTransferInterval                  = "RECEIPT_TRANSFER_INTERVAL"
	DisableTrustedOrganicJobEvents           = "DISABLE_TRUSTED_ORGANIC_JOB_EVENTS"
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		RoutingPreliminaryReservationTimeSeconds: float64(5),
		OrganicJobTimeout:                        float64(300),
		OrganicJobInitialResponseTimeout:         float64(3),
		OrganicJobExecutorReadyTimeout:           float64(300),
		JobCheatedBlacklistTimeSeconds:           float64(1800),
		JobFailureBlacklistTimeSeconds:           float64(300),
		MinimumValidatorStakeForExcuse:           float64(10000),
		ReceiptTransferEnabled:                   true,
		ReceiptTransferInterval:                  float64(1),
		DisableTrustedOrganicJobEvents:           false,
	}
}

// Config is a live view over the dynamic options.
type Config struct {
	mu       sync.RWMutex
	values   map[string]interface{}
	filePath string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns a Config with compiled-in defaults only.
func New() *Config {
	return &Config{values: defaults(), done: make(chan struct{})}
}

// NewFromFile returns a Config with defaults overridden from the given yaml
// file. The file may cover any subset of the recognized names.
func NewFromFile(path string) (*Config, error) {
	c := New()
	c.filePath = path
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) reload() error {
	raw, err := os.ReadFile(c.filePath) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read dynamic config file")
	}
	overrides := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return errors.Wrap(err, "could not parse dynamic config file")
	}
	merged := defaults()
	for k, v := range overrides {
		if _, known := merged[k]; !known {
			return errors.Errorf("unknown dynamic option %q", k)
		}
		merged[k] = v
	}
	c.mu.Lock()
	c.values = merged
	c.mu.Unlock()
	return nil
}

// Watch begins hot-reloading the override file until Stop is called. Reload
// failures keep the previous values and log a warning.
func (c *Config) Watch() error {
	if c.filePath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create config watcher")
	}
	if err := watcher.Add(c.filePath); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Could not close config watcher")
		}
		return errors.Wrap(err, "could not watch dynamic config file")
	}
	c.watcher = watcher
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					log.WithError(err).Warn("Dynamic config reload failed, keeping previous values")
					continue
				}
				log.WithField("file", c.filePath).Info("Reloaded dynamic configuration")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Dynamic config watcher error")
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Stop tears down the file watcher, if any.
func (c *Config) Stop() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Config) get(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	if !ok {
		// Every recognized name has a default, so this is a programming error.
		log.WithField("option", name).Error("Unknown dynamic option requested")
		return nil
	}
	return v
}

// Float returns a numeric option.
func (c *Config) Float(name string) float64 {
	switch v := c.get(name).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Duration returns a seconds-denominated numeric option as a duration.
func (c *Config) Duration(name string) time.Duration {
	return time.Duration(c.Float(name) * float64(time.Second))
}

// Bool returns a boolean option.
func (c *Config) Bool(name string) bool {
	v, _ := c.get(name).(bool)
	return v
}

// Set overrides a single option in memory. Intended for tests and the ops
// API; file reloads will clobber it.
func (c *Config) Set(name string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.values[name]; !known {
		return errors.Errorf("unknown dynamic option %q", name)
	}
	c.values[name] = value
	return nil
}

// Snapshot returns a copy of all current values, for the ops API.
func (c *Config) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
