package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-electra/internal/embeddings"
)

// EnvPrefix prefixes every environment override, e.g. ELECTRA_SERVER_ADDR.
const EnvPrefix = "ELECTRA"

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"model":          "model.path",
	"model-config":   "model.config_path",
	"listen":         "server.addr",
	"max-concurrent": "server.max_concurrent",
	"flight":         "flight.listen_addr",
	"forward":        "flight.forward_addr",
	"dataset":        "flight.dataset",
	"pooling":        "encoder.pooling",
	"batch-size":     "encoder.internal_batch_size",
	"concurrency":    "encoder.concurrency",
	"cache":          "cache.backend",
	"redis-url":      "cache.redis.url",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"otel":           "telemetry.tracing",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.path", "")
	v.SetDefault("model.config_path", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_concurrent", 4096)
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("flight.listen_addr", "")
	v.SetDefault("flight.forward_addr", "")
	v.SetDefault("flight.dataset", "electra")
	v.SetDefault("flight.breaker_failures", 5)
	v.SetDefault("flight.breaker_timeout", 30*time.Second)

	v.SetDefault("encoder.pooling", "")
	v.SetDefault("encoder.internal_batch_size", 32)
	v.SetDefault("encoder.max_batch_tokens", 0)
	v.SetDefault("encoder.concurrency", runtime.NumCPU())

	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("cache.redis.url", "")
	v.SetDefault("cache.redis.key_prefix", "electra")
	v.SetDefault("cache.redis.ttl", 24*time.Hour)
	v.SetDefault("cache.redis.pool_size", 0)
	v.SetDefault("cache.redis.min_idle_conns", 0)
	v.SetDefault("cache.redis.op_timeout", 100*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("telemetry.tracing", false)
}

// Load reads configuration from, in increasing precedence: defaults, the
// config file, ELECTRA_* environment variables and changed flags. A missing
// config file is not an error unless configPath names it explicitly.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("electra")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/electra/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		if err := BindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// BindFlags binds every flag of flags listed in FlagKeys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid server.max_concurrent: %d", c.Server.MaxConcurrent)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid server.max_body_bytes: %d", c.Server.MaxBodyBytes)
	}

	if _, err := embeddings.ParsePoolingMode(c.Encoder.Pooling); err != nil {
		return err
	}
	if c.Encoder.InternalBatchSize <= 0 {
		return fmt.Errorf("invalid encoder.internal_batch_size: %d", c.Encoder.InternalBatchSize)
	}
	if c.Encoder.MaxBatchTokens < 0 {
		return fmt.Errorf("invalid encoder.max_batch_tokens: %d", c.Encoder.MaxBatchTokens)
	}
	if c.Encoder.Concurrency <= 0 {
		return fmt.Errorf("invalid encoder.concurrency: %d", c.Encoder.Concurrency)
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return errors.New("cache.redis.url is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be none, memory, or redis)", c.Cache.Backend)
	}

	if c.Flight.ForwardAddr != "" {
		if c.Flight.Dataset == "" {
			return errors.New("flight.dataset is required when forwarding")
		}
		if c.Flight.BreakerFailures <= 0 {
			return fmt.Errorf("invalid flight.breaker_failures: %d", c.Flight.BreakerFailures)
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}
	return nil
}

// ModelConfigPath returns the config.json to load for the model.
func (c *Config) ModelConfigPath() string {
	if c.Model.ConfigPath != "" {
		return c.Model.ConfigPath
	}
	if info, err := os.Stat(c.Model.Path); err == nil && info.IsDir() {
		return filepath.Join(c.Model.Path, "config.json")
	}
	return filepath.Join(filepath.Dir(c.Model.Path), "config.json")
}

// EncoderOptions converts the encoder section. The cache is wired by the
// caller.
func (c *Config) EncoderOptions() embeddings.Options {
	mode, _ := embeddings.ParsePoolingMode(c.Encoder.Pooling)
	return embeddings.Options{
		Pooling:           mode,
		InternalBatchSize: c.Encoder.InternalBatchSize,
		MaxBatchTokens:    c.Encoder.MaxBatchTokens,
		Concurrency:       c.Encoder.Concurrency,
	}
}
