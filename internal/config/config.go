package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models groomnet.yml.
type Config struct {
	Dispatch struct {
		WindowSeconds            int `yaml:"window_seconds"`
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
		HeartbeatMisses          int `yaml:"heartbeat_misses"`
	} `yaml:"dispatch"`
	Handshake struct {
		ResponseSeconds  int `yaml:"response_seconds"`
		WaitGraceSeconds int `yaml:"wait_grace_seconds"`
	} `yaml:"handshake"`
	Payment struct {
		PlatformFeePercent int `yaml:"platform_fee_percent"`
	} `yaml:"payment"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	AMQP     struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
}

// WebhookConfig describes one settlement/refund delivery target, typically the
// external wallet or payment collaborator.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "groomnet.yml")
}

// Load reads config from the workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Zero-valued timing
// knobs are filled from defaults so a partial file stays valid.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration: the timings observed in the
// production dispatch flow.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Dispatch.WindowSeconds == 0 {
		c.Dispatch.WindowSeconds = 120
	}
	if c.Dispatch.HeartbeatIntervalSeconds == 0 {
		c.Dispatch.HeartbeatIntervalSeconds = 30
	}
	if c.Dispatch.HeartbeatMisses == 0 {
		c.Dispatch.HeartbeatMisses = 3
	}
	if c.Handshake.ResponseSeconds == 0 {
		c.Handshake.ResponseSeconds = 120
	}
	if c.Handshake.WaitGraceSeconds == 0 {
		c.Handshake.WaitGraceSeconds = 60
	}
	if c.Payment.PlatformFeePercent == 0 {
		c.Payment.PlatformFeePercent = 10
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "booking.exchange"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.WindowSeconds < 1 {
		return fmt.Errorf("config.dispatch.window_seconds must be positive")
	}
	if c.Dispatch.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("config.dispatch.heartbeat_interval_seconds must be positive")
	}
	if c.Dispatch.HeartbeatMisses < 1 {
		return fmt.Errorf("config.dispatch.heartbeat_misses must be positive")
	}
	if c.Handshake.ResponseSeconds < 1 {
		return fmt.Errorf("config.handshake.response_seconds must be positive")
	}
	if c.Handshake.WaitGraceSeconds < 1 {
		return fmt.Errorf("config.handshake.wait_grace_seconds must be positive")
	}
	if c.Payment.PlatformFeePercent < 0 || c.Payment.PlatformFeePercent > 100 {
		return fmt.Errorf("config.payment.platform_fee_percent must be between 0 and 100")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// GenerateDefault returns default config YAML for `groomnet init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `dispatch:
  # Acceptance window for a broadcast booking before it expires.
  window_seconds: 120
  heartbeat_interval_seconds: 30
  heartbeat_misses: 3

handshake:
  # Customer response deadline after the barber reports arrival.
  response_seconds: 120
  # Pause granted when the customer asks the barber to wait.
  wait_grace_seconds: 60

payment:
  platform_fee_percent: 10

# Settlement and refund signals are delivered to these endpoints
# (the wallet/payment collaborator).
webhooks: []
#  - url: https://wallet.internal/hooks/groomnet
#    secret: change-me
#    events: [settlement.created, booking.expired, booking.cancelled]

# Optional AMQP fanout of the same signals.
amqp:
  url: ""
  exchange: booking.exchange
`
