package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{
		Gateway: GatewayConfig{
			Port: 18790,
			Mode: "local",
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
			ClientLevel:  "warn",
		},
		WhatsApp: WhatsAppConfig{
			Enabled: true,
		},
	}
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "local"
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
	if cfg.Logging.ClientLevel == "" {
		cfg.Logging.ClientLevel = "warn"
	}
	if cfg.WhatsApp.RateLimit == 0 {
		cfg.WhatsApp.RateLimit = 20
	}
	if cfg.WhatsApp.Burst == 0 {
		cfg.WhatsApp.Burst = 5
	}
	if cfg.WhatsApp.OSName == "" {
		cfg.WhatsApp.OSName = "unibox"
	}
	if cfg.Telegram.RateLimit == 0 {
		cfg.Telegram.RateLimit = 1
	}
	if cfg.Telegram.Burst == 0 {
		cfg.Telegram.Burst = 10
	}
	if cfg.Telegram.DialogLimit == 0 {
		cfg.Telegram.DialogLimit = 100
	}
	if cfg.Media.Workers == 0 {
		cfg.Media.Workers = 4
	}
	if cfg.Media.FetchTimeout == 0 {
		cfg.Media.FetchTimeout = 2 * time.Minute
	}
	if cfg.Media.FFmpegPath == "" {
		cfg.Media.FFmpegPath = "ffmpeg"
	}
	if cfg.Media.VoiceBitrate == 0 {
		cfg.Media.VoiceBitrate = 64
	}
	if cfg.Sessions.PollInterval == 0 {
		cfg.Sessions.PollInterval = 5 * time.Second
	}
	if cfg.Sessions.GraceWindow == 0 {
		cfg.Sessions.GraceWindow = 45 * time.Second
	}
	if cfg.Sessions.ReconcileInterval == 0 {
		cfg.Sessions.ReconcileInterval = 60 * time.Second
	}
	if cfg.Sessions.HistoryWait == 0 {
		cfg.Sessions.HistoryWait = 10 * time.Second
	}
	if cfg.Cache.ChatTTL == 0 {
		cfg.Cache.ChatTTL = 3 * time.Second
	}
	if cfg.Cache.NameTTL == 0 {
		cfg.Cache.NameTTL = 10 * time.Minute
	}
	if cfg.Cache.Snapshots == "" {
		cfg.Cache.Snapshots = "memory"
	}
	if cfg.Cache.SnapshotTTL == 0 {
		cfg.Cache.SnapshotTTL = 24 * time.Hour
	}
	if cfg.Events.AMQP != nil && cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "unibox.events"
	}
	if cfg.Events.Kafka != nil && cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "unibox.events"
	}
}
