package config

import "time"

// Config represents the complete hl7gw configuration.
type Config struct {
	Include      []string         `yaml:"include,omitempty"`
	Service      ServiceConfig    `yaml:"service"`
	State        StateConfig      `yaml:"state"`
	API          APIConfig        `yaml:"api,omitempty"`
	HTTPIntake   HTTPIntakeConfig `yaml:"http_intake,omitempty"`
	Stats        StatsConfig      `yaml:"stats,omitempty"`
	PipelinesDir string           `yaml:"pipelines_dir"`
	Endpoints    []EndpointConfig `yaml:"endpoints"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// DrainTimeout bounds how long shutdown waits for in-flight exchanges
	// before answering them with a shutdown NACK.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// StateConfig defines the exchange journal location.
type StateConfig struct {
	Path string `yaml:"path"`
	// Retention prunes journal rows older than this at startup and hourly.
	// Zero keeps everything.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Listen    string          `yaml:"listen"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the admin bearer token (full access).
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RateLimitConfig limits API requests per token. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// HTTPIntakeConfig is the listener shared by every endpoint with an
// http_path.
type HTTPIntakeConfig struct {
	Listen string `yaml:"listen"`
}

// StatsConfig selects the counter store. An empty RedisAddr keeps counters
// in memory.
type StatsConfig struct {
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	Prefix        string        `yaml:"prefix,omitempty"`
	TTL           time.Duration `yaml:"ttl,omitempty"`
}

// EndpointConfig defines one inbound HL7 endpoint.
type EndpointConfig struct {
	Name string `yaml:"name"`
	// Listen is the MLLP TCP address. Optional when HTTPPath is set.
	Listen   string `yaml:"listen,omitempty"`
	HTTPPath string `yaml:"http_path,omitempty"`

	// AutoAck answers as soon as the pipeline finishes, without a deadline.
	// Defaults to true.
	AutoAck *bool `yaml:"auto_ack,omitempty"`
	// Timeout is the delayed-ack deadline.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Workers int           `yaml:"workers,omitempty"`

	// Pipeline is a plugin name, "builtin:accept" or "builtin:reject".
	Pipeline        string        `yaml:"pipeline"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout,omitempty"`

	// MaxMessageSize accepts plain bytes or a KB/MB/GB suffix.
	MaxMessageSize string `yaml:"max_message_size,omitempty"`

	// Secret enables HMAC verification on the HTTP intake path.
	Secret          string `yaml:"secret,omitempty"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
}

// IsAutoAck reports the effective acknowledgement mode.
func (e EndpointConfig) IsAutoAck() bool {
	return e.AutoAck == nil || *e.AutoAck
}

// MaxMessageBytes returns the parsed frame/body limit.
func (e EndpointConfig) MaxMessageBytes() (int64, error) {
	return ParseSize(e.MaxMessageSize)
}

// ChecksumManifest is the .checksums file written by "config lock".
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

const (
	DefaultEndpointTimeout = 10 * time.Second
	DefaultWorkers         = 50
	DefaultMaxMessageSize  = 1048576 // 1 MB
)

// Defaults returns a Config with every optional setting filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "hl7gw",
			LogLevel:     "info",
			LogFormat:    "json",
			DrainTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Stats: StatsConfig{
			Prefix: "hl7gw:stats",
		},
		PipelinesDir: "./plugins",
	}
}
