// Package config defines the service configuration and loads it from
// YAML files with credentials supplied via environment variables and
// .env files.
package config

import (
	"fmt"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/assistant"
	"github.com/remindlab/remindly/pkg/remindly/channels/whatsapp"
	"github.com/remindlab/remindly/pkg/remindly/notify"
)

// WhatsApp connection modes.
const (
	WhatsAppModeCloud  = "cloud"  // Cloud API webhook gateway
	WhatsAppModeDirect = "direct" // direct multidevice session
)

// Config is the full service configuration.
type Config struct {
	Name      string                 `yaml:"name"`
	API       assistant.OpenAIConfig `yaml:"api"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Channels  ChannelsConfig         `yaml:"channels"`
	Notify    NotifyConfig           `yaml:"notify"`
	Gateway   GatewayConfig          `yaml:"gateway"`
	Timezone  string                 `yaml:"timezone"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// SchedulerConfig controls job persistence and the catch-up sweep.
type SchedulerConfig struct {
	DatabasePath  string        `yaml:"database_path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChannelsConfig selects and configures the WhatsApp transport.
type ChannelsConfig struct {
	WhatsApp WhatsAppChannelConfig `yaml:"whatsapp"`
}

// WhatsAppChannelConfig carries settings for both connection modes; Mode
// selects which one is active.
type WhatsAppChannelConfig struct {
	Mode   string                     `yaml:"mode"`
	Direct whatsapp.Config            `yaml:"direct"`
	Cloud  notify.WhatsAppCloudConfig `yaml:"cloud"`
}

// NotifyConfig configures the email and call delivery backends.
type NotifyConfig struct {
	Email notify.SMTPConfig   `yaml:"email"`
	Call  notify.TwilioConfig `yaml:"call"`
}

// GatewayConfig configures the webhook HTTP server.
type GatewayConfig struct {
	Address     string `yaml:"address"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Name: "Remindly",
		API: assistant.OpenAIConfig{
			Model: "gpt-4o",
		},
		Scheduler: SchedulerConfig{
			DatabasePath:  "remindly.db",
			SweepInterval: 30 * time.Second,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannelConfig{
				Mode: WhatsAppModeCloud,
				Direct: whatsapp.Config{
					DatabasePath: "whatsapp-session.db",
				},
			},
		},
		Gateway: GatewayConfig{
			Address: ":8000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks settings that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (set OPENAI_API_KEY)")
	}
	switch c.Channels.WhatsApp.Mode {
	case WhatsAppModeCloud:
		if c.Gateway.VerifyToken == "" {
			return fmt.Errorf("gateway.verify_token is required in cloud mode")
		}
	case WhatsAppModeDirect:
		if c.Channels.WhatsApp.Direct.DatabasePath == "" {
			return fmt.Errorf("channels.whatsapp.direct.database_path is required in direct mode")
		}
	default:
		return fmt.Errorf("channels.whatsapp.mode must be %q or %q", WhatsAppModeCloud, WhatsAppModeDirect)
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}
	return nil
}
