// Package config loads tphctl settings from a YAML file. Command line flags
// override file values; the file overrides built-in defaults.
package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/tphctl/pkg/tph"
)

const (
	// DefaultPath is read when it exists and no --config is given.
	DefaultPath = "/etc/tphctl/config.yaml"
	// DefaultSysfsRoot is the sysfs mount point.
	DefaultSysfsRoot = "/sys"
	// DefaultLogLevel is the logrus level used without configuration.
	DefaultLogLevel = "info"
)

// Config holds tphctl settings.
type Config struct {
	// SysfsRoot is where sysfs is mounted.
	SysfsRoot string `json:"sysfsRoot,omitempty"`
	// FirmwareTable is the path of the firmware steering tag table.
	FirmwareTable string `json:"firmwareTable,omitempty"`
	// LogLevel is a logrus level name.
	LogLevel string `json:"logLevel,omitempty"`
	// Policy restricts how TPH may be enabled.
	Policy tph.Policy `json:"policy,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SysfsRoot: DefaultSysfsRoot,
		LogLevel:  DefaultLogLevel,
	}
}

// Load returns the defaults overlaid with the file at path. An empty path
// loads DefaultPath if present.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	log.Debugf("loaded config from %s", path)
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
		}
	}
	if c.Policy.DisableTPH && c.Policy.ForceNoST {
		log.Warn("policy.forceNoST has no effect while policy.disableTPH is set")
	}
	return nil
}
