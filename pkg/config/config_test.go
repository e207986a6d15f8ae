package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
component:
  host: localhost
  port: 5347
  domain: focus.example.com
  secret: topsecret
focus:
  bridgeBrewery: jvbbrewery@internal.example.com
  healthInterval: 30s
log: debug
`

func TestLoadConfigFromString(t *testing.T) {
	config, err := LoadConfigFromString(validConfig)
	require.NoError(t, err)

	assert.Equal(t, "focus.example.com", config.Component.Domain)
	assert.Equal(t, "debug", config.LogLevel)

	// Named keys override the defaults, the rest keep them.
	assert.Equal(t, 30*time.Second, config.Focus.HealthInterval)
	assert.Equal(t, 5*time.Second, config.Focus.HealthTimeout)
	assert.Equal(t, ":8888", config.API.Addr)
}

func TestLoadConfigRejectsIncomplete(t *testing.T) {
	_, err := LoadConfigFromString(`
component:
  host: localhost
  port: 5347
`)
	assert.Error(t, err)
}

func TestLoadConfigSecretFromEnv(t *testing.T) {
	t.Setenv("COMPONENT_SECRET", "from-env")

	config, err := LoadConfigFromString(`
component:
  host: localhost
  port: 5347
  domain: focus.example.com
  secret: from-file
focus:
  bridgeBrewery: jvbbrewery@internal.example.com
`)
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Component.Secret)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	_, err := LoadConfigFromString("component: [not a mapping")
	assert.Error(t, err)
}
