package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			APIKey:              "key",
			Environment:         "prod",
			VehicleID:           "veh-1",
			PollIntervalMinutes: 6,
		},
		Network: NetworkConfig{APIPort: 8080},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing api key", func(c *Config) { c.Backend.APIKey = "" }, "backend.api_key is required"},
		{"missing vehicle id", func(c *Config) { c.Backend.VehicleID = "" }, "backend.vehicle_id is required"},
		{"bad environment", func(c *Config) { c.Backend.Environment = "staging" }, "backend.environment must be prod or sandbox"},
		{"interval too low", func(c *Config) { c.Backend.PollIntervalMinutes = 0 }, "poll_interval_minutes"},
		{"interval too high", func(c *Config) { c.Backend.PollIntervalMinutes = 61 }, "poll_interval_minutes"},
		{"bad port", func(c *Config) { c.Network.APIPort = 0 }, "network.api_port"},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }, "auth.username and auth.password"},
		{"negative grace", func(c *Config) { c.Odometer.GraceSeconds = -1 }, "grace_seconds"},
		{"odometer source without mqtt", func(c *Config) { c.Odometer.SourceTopic = "sensor/odometer" }, "requires mqtt"},
		{"odometer source with mqtt", func(c *Config) {
			c.Odometer.SourceTopic = "sensor/odometer"
			c.MQTT.Enabled = true
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  api_key: key
  vehicle_id: veh-1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sandbox", cfg.Backend.Environment)
	assert.Equal(t, 6, cfg.Backend.PollIntervalMinutes)
	assert.Equal(t, 8080, cfg.Network.APIPort)
	assert.Equal(t, 30, cfg.Odometer.GraceSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "evconduit", cfg.MQTT.TopicPrefix)
	assert.False(t, cfg.MQTT.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFullConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  api_key: key
  environment: prod
  vehicle_id: veh-1
  poll_interval_minutes: 10
  external_url: https://bridge.example.com
abrp:
  token: abrp-token
odometer:
  source_topic: sensor/odometer
  grace_seconds: 45
mqtt:
  enabled: true
  broker: mqtt.example.com
  topic_prefix: car
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://backend.evconduit.com", cfg.Backend.BaseURL())
	assert.Equal(t, 10, cfg.Backend.PollIntervalMinutes)
	assert.Equal(t, "https://bridge.example.com", cfg.Backend.ExternalURL)
	assert.Equal(t, "abrp-token", cfg.ABRP.Token)
	assert.Equal(t, "sensor/odometer", cfg.Odometer.SourceTopic)
	assert.Equal(t, 45, cfg.Odometer.GraceSeconds)
	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Broker)
	assert.Equal(t, "car", cfg.MQTT.TopicPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestBaseURLPerEnvironment(t *testing.T) {
	assert.Equal(t, "https://backend.evconduit.com", BackendConfig{Environment: "prod"}.BaseURL())
	assert.Equal(t, "https://sandbox.evconduit.com", BackendConfig{Environment: "sandbox"}.BaseURL())
}
