// Package config loads the focus configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/riverine/focus/pkg/api"
	"github.com/riverine/focus/pkg/focus"
	"github.com/riverine/focus/pkg/telemetry"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Focus configuration.
type Config struct {
	// Component is the XEP-0114 connection to the XMPP server.
	Component xmpp.ComponentConfig `yaml:"component"`
	// Focus holds the conference, selection and service pool settings.
	Focus focus.Config `yaml:"focus"`
	// API is the HTTP surface.
	API api.Config `yaml:"api"`
	// Telemetry configures tracing; disabled when empty.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
// Returns an error if not all environment variables are set.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string. Defaults are applied first so the
// YAML only has to name what differs from them.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	config := Config{
		Focus: focus.DefaultConfig(),
		API:   api.DefaultConfig(),
	}
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	// The COMPONENT_SECRET environment variable overrides the file so the
	// secret can stay out of it.
	if secret := os.Getenv("COMPONENT_SECRET"); secret != "" {
		config.Component.Secret = secret
	}

	if config.Component.Host == "" ||
		config.Component.Port == 0 ||
		config.Component.Domain == "" ||
		config.Component.Secret == "" ||
		config.Focus.BridgeBrewery == "" {
		return nil, errors.New("invalid config values")
	}

	return &config, nil
}
