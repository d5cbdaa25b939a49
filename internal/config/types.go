package config

import (
	"time"

	"github.com/23skdu/longbow-electra/internal/cache"
)

// Config is the service configuration of the electra binary.
type Config struct {
	Model     ModelConfig     `mapstructure:"model"`
	Server    ServerConfig    `mapstructure:"server"`
	Flight    FlightConfig    `mapstructure:"flight"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ModelConfig locates the checkpoint and its config.json.
type ModelConfig struct {
	Path string `mapstructure:"path"`
	// ConfigPath defaults to config.json next to (or inside) Path.
	ConfigPath string `mapstructure:"config_path"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// FlightConfig configures the Flight server and the downstream forwarder.
type FlightConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ForwardAddr     string        `mapstructure:"forward_addr"`
	Dataset         string        `mapstructure:"dataset"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// EncoderConfig mirrors embeddings.Options.
type EncoderConfig struct {
	Pooling           string `mapstructure:"pooling"`
	InternalBatchSize int    `mapstructure:"internal_batch_size"`
	MaxBatchTokens    int    `mapstructure:"max_batch_tokens"`
	Concurrency       int    `mapstructure:"concurrency"`
}

// CacheConfig selects the pooled-vector cache.
type CacheConfig struct {
	Backend    string            `mapstructure:"backend"` // none, memory or redis
	MaxEntries int               `mapstructure:"max_entries"`
	Redis      cache.RedisConfig `mapstructure:"redis"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
}
