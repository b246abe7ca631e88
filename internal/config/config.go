package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Environments maps the environment selector to backend base URLs.
var Environments = map[string]string{
	"prod":    "https://backend.evconduit.com",
	"sandbox": "https://sandbox.evconduit.com",
}

// Config represents the application configuration
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Network  NetworkConfig  `mapstructure:"network"`
	Auth     AuthConfig     `mapstructure:"auth"`
	ABRP     ABRPConfig     `mapstructure:"abrp"`
	Odometer OdometerConfig `mapstructure:"odometer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Datadog  DatadogConfig  `mapstructure:"datadog"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// BackendConfig contains EVConduit backend settings
type BackendConfig struct {
	APIKey              string `mapstructure:"api_key"`
	Environment         string `mapstructure:"environment"` // prod or sandbox
	VehicleID           string `mapstructure:"vehicle_id"`
	PollIntervalMinutes int    `mapstructure:"poll_interval_minutes"` // 1-60
	ExternalURL         string `mapstructure:"external_url"`          // public URL for push webhooks, optional
	WebhookID           string `mapstructure:"webhook_id"`            // optional, generated when empty
}

// BaseURL resolves the environment selector to the backend base URL.
func (b BackendConfig) BaseURL() string {
	return Environments[b.Environment]
}

// NetworkConfig contains HTTP API settings
type NetworkConfig struct {
	APIPort int `mapstructure:"api_port"`
}

// AuthConfig contains Basic Auth settings for the control API
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ABRPConfig contains the telemetry relay settings. The relay is enabled
// when a token is configured.
type ABRPConfig struct {
	Token    string `mapstructure:"token"`
	Endpoint string `mapstructure:"endpoint"` // override for tests, defaults to Iternio
}

// OdometerConfig contains the odometer auto-update settings. The feature is
// enabled when a source topic is configured.
type OdometerConfig struct {
	SourceTopic  string `mapstructure:"source_topic"` // MQTT topic carrying the odometer reading
	GraceSeconds int    `mapstructure:"grace_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // Optional: log file path
}

// DatadogConfig contains Datadog APM settings
type DatadogConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AgentHost   string `mapstructure:"agent_host"`
	AgentPort   int    `mapstructure:"agent_port"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.evconduit")
		v.AddConfigPath("/etc/evconduit")
	}

	// Set defaults
	v.SetDefault("backend.environment", "sandbox")
	v.SetDefault("backend.poll_interval_minutes", 6)
	v.SetDefault("network.api_port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("abrp.endpoint", "")
	v.SetDefault("odometer.grace_seconds", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.agent_host", "localhost")
	v.SetDefault("datadog.agent_port", 8126)
	v.SetDefault("datadog.service_name", "evconduit-bridge")
	v.SetDefault("datadog.environment", "production")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "evconduit-bridge")
	v.SetDefault("mqtt.topic_prefix", "evconduit")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintf(os.Stderr, "Warning: Config file not found, using defaults\n")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend.api_key is required")
	}

	if c.Backend.VehicleID == "" {
		return fmt.Errorf("backend.vehicle_id is required")
	}

	if _, ok := Environments[c.Backend.Environment]; !ok {
		return fmt.Errorf("backend.environment must be prod or sandbox")
	}

	if c.Backend.PollIntervalMinutes < 1 || c.Backend.PollIntervalMinutes > 60 {
		return fmt.Errorf("backend.poll_interval_minutes must be between 1 and 60")
	}

	if c.Network.APIPort < 1 || c.Network.APIPort > 65535 {
		return fmt.Errorf("network.api_port must be between 1 and 65535")
	}

	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.Password == "") {
		return fmt.Errorf("auth.username and auth.password are required when auth is enabled")
	}

	if c.Odometer.GraceSeconds < 0 {
		return fmt.Errorf("odometer.grace_seconds must not be negative")
	}

	if c.Odometer.SourceTopic != "" && !c.MQTT.Enabled {
		return fmt.Errorf("odometer.source_topic requires mqtt to be enabled")
	}

	return nil
}
