package config

import "time"

// Config is the root configuration for unibox.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp,omitempty"`
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	Media    MediaConfig    `yaml:"media,omitempty"`
	Sessions SessionsConfig `yaml:"sessions,omitempty"`
	Cache    CacheConfig    `yaml:"cache,omitempty"`
	Events   EventsConfig   `yaml:"events,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Storage  StorageConfig  `yaml:"storage,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty"`
	Mode           string           `yaml:"mode,omitempty"` // "local" | "remote"
	Bind           string           `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth      `yaml:"auth,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty"`
	ControlUI      GatewayControlUI `yaml:"controlUi,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// GatewayControlUI lists the dashboard origins allowed to open websockets.
type GatewayControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
	ClientLevel  string `yaml:"clientLevel,omitempty"`  // level for platform client library logs
}

// WhatsAppConfig enables the WhatsApp provider.
type WhatsAppConfig struct {
	Enabled   bool    `yaml:"enabled,omitempty"`
	RateLimit float64 `yaml:"rateLimit,omitempty"` // upstream calls per second per account
	Burst     int     `yaml:"burst,omitempty"`
	OSName    string  `yaml:"osName,omitempty"` // device name shown in the phone's linked devices list
}

// TelegramConfig enables the Telegram provider. APIID and APIHash come from my.telegram.org.
type TelegramConfig struct {
	Enabled     bool    `yaml:"enabled,omitempty"`
	APIID       int     `yaml:"apiId,omitempty"`
	APIHash     string  `yaml:"apiHash,omitempty"`
	RateLimit   float64 `yaml:"rateLimit,omitempty"`
	Burst       int     `yaml:"burst,omitempty"`
	DialogLimit int     `yaml:"dialogLimit,omitempty"`
}

// MediaConfig controls the media pipeline.
type MediaConfig struct {
	Root         string        `yaml:"root,omitempty"` // defaults to <data>/public/media
	Workers      int           `yaml:"workers,omitempty"`
	FetchTimeout time.Duration `yaml:"fetchTimeout,omitempty"`
	FFmpegPath   string        `yaml:"ffmpegPath,omitempty"`
	VoiceBitrate int           `yaml:"voiceBitrate,omitempty"` // kbps
}

// SessionsConfig tunes the connection watchdog and listener reconciliation.
type SessionsConfig struct {
	PollInterval      time.Duration `yaml:"pollInterval,omitempty"`
	GraceWindow       time.Duration `yaml:"graceWindow,omitempty"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval,omitempty"`
	HistoryWait       time.Duration `yaml:"historyWait,omitempty"` // max wait for a client before an empty history page
}

// CacheConfig controls the chat TTL cache and the dialog snapshot store.
type CacheConfig struct {
	ChatTTL     time.Duration `yaml:"chatTtl,omitempty"`
	NameTTL     time.Duration `yaml:"nameTtl,omitempty"`
	Snapshots   string        `yaml:"snapshots,omitempty"` // "memory" | "redis"
	RedisURL    string        `yaml:"redisUrl,omitempty"`
	SnapshotTTL time.Duration `yaml:"snapshotTtl,omitempty"`
}

// EventsConfig configures optional external event sinks.
type EventsConfig struct {
	AMQP  *AMQPConfig  `yaml:"amqp,omitempty"`
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
}

// AMQPConfig publishes events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange,omitempty"`
}

// KafkaConfig publishes events to a Kafka topic keyed by account id.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"` // defaults to true
}

// StorageConfig configures optional mirroring of media assets.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3,omitempty"`
}

// S3Config mirrors stored media into an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// MetricsEnabled reports whether /metrics should be served.
func (c Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}
