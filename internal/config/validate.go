package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}

	validModes := []string{"local", "remote"}
	if cfg.Gateway.Mode != "" && !slices.Contains(validModes, cfg.Gateway.Mode) {
		add("gateway.mode", "must be one of %v, got %q", validModes, cfg.Gateway.Mode)
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}

	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	if cfg.Logging.ClientLevel != "" && !slices.Contains(validLogLevels, cfg.Logging.ClientLevel) {
		add("logging.clientLevel", "must be one of %v, got %q", validLogLevels, cfg.Logging.ClientLevel)
	}
	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Providers
	if !cfg.WhatsApp.Enabled && !cfg.Telegram.Enabled {
		add("whatsapp.enabled", "at least one of whatsapp or telegram must be enabled")
	}
	if cfg.WhatsApp.RateLimit < 0 {
		add("whatsapp.rateLimit", "must not be negative")
	}
	if cfg.Telegram.Enabled {
		if cfg.Telegram.APIID <= 0 {
			add("telegram.apiId", "required when telegram is enabled")
		}
		if cfg.Telegram.APIHash == "" {
			add("telegram.apiHash", "required when telegram is enabled")
		}
	}
	if cfg.Telegram.RateLimit < 0 {
		add("telegram.rateLimit", "must not be negative")
	}

	// Media
	if cfg.Media.Workers < 1 {
		add("media.workers", "must be at least 1, got %d", cfg.Media.Workers)
	}
	if cfg.Media.VoiceBitrate < 8 || cfg.Media.VoiceBitrate > 512 {
		add("media.voiceBitrate", "must be 8-512 kbps, got %d", cfg.Media.VoiceBitrate)
	}

	// Sessions
	if cfg.Sessions.GraceWindow <= cfg.Sessions.PollInterval {
		add("sessions.graceWindow", "must be longer than sessions.pollInterval (%s)", cfg.Sessions.PollInterval)
	}

	// Cache
	validSnapshots := []string{"memory", "redis"}
	if !slices.Contains(validSnapshots, cfg.Cache.Snapshots) {
		add("cache.snapshots", "must be one of %v, got %q", validSnapshots, cfg.Cache.Snapshots)
	}
	if cfg.Cache.Snapshots == "redis" && cfg.Cache.RedisURL == "" {
		add("cache.redisUrl", "required when cache.snapshots is redis")
	}
	if cfg.Cache.ChatTTL < 0 {
		add("cache.chatTtl", "must not be negative")
	}

	// Event sinks (only if configured)
	if cfg.Events.AMQP != nil && cfg.Events.AMQP.URL == "" {
		add("events.amqp.url", "url is required")
	}
	if cfg.Events.Kafka != nil && len(cfg.Events.Kafka.Brokers) == 0 {
		add("events.kafka.brokers", "at least one broker is required")
	}

	if s3 := cfg.Storage.S3; s3 != nil {
		if s3.Endpoint == "" {
			add("storage.s3.endpoint", "endpoint is required")
		}
		if s3.Bucket == "" {
			add("storage.s3.bucket", "bucket is required")
		}
	}

	return issues
}
