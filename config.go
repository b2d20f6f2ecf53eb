package s3orm

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration constants for s3orm operations
const (
	DefaultRootPrefix = "s3orm/"

	// Query paging
	DefaultQueryLimit = 1000

	// Index rebuild fan-out
	DefaultRebuildConcurrency = 10

	// Backend retry configuration
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755

	DefaultServerPort = 5433

	// EnvPrefix is the prefix of environment variables read by LoadConfig
	EnvPrefix = "S3ORM"
)

// Config is the full runtime configuration of a DB and the s3orm binary
type Config struct {
	RootPrefix         string        `mapstructure:"root_prefix"`
	QueryLimit         int           `mapstructure:"query_limit"`
	RebuildConcurrency int           `mapstructure:"rebuild_concurrency"`
	LogLevel           string        `mapstructure:"log_level"`
	Backend            BackendConfig `mapstructure:"backend"`
	Retry              RetryConfig   `mapstructure:"retry"`
	Redis              RedisConfig   `mapstructure:"redis"`
	Server             ServerConfig  `mapstructure:"server"`
}

// ServerConfig configures the SQL wire server
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsAddr string `mapstructure:"metrics_addr"` // empty disables /metrics
}

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BackoffMultiple int           `mapstructure:"backoff_multiple"`
	JitterPercent   float64       `mapstructure:"jitter_percent"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		MaxBackoff:      DefaultMaxBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.MaxBackoff != 0 && c.MaxBackoff < c.InitialBackoff {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxBackoff",
			"value":  c.MaxBackoff,
			"reason": "must be >= InitialBackoff",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// DefaultConfig returns a configuration using a local filesystem backend
func DefaultConfig() Config {
	return Config{
		RootPrefix:         DefaultRootPrefix,
		QueryLimit:         DefaultQueryLimit,
		RebuildConcurrency: DefaultRebuildConcurrency,
		LogLevel:           "info",
		Backend: BackendConfig{
			Type: BackendFilesystem,
			Path: "./data",
		},
		Retry: DefaultRetryConfig(),
		Server: ServerConfig{
			Port: DefaultServerPort,
		},
	}
}

// Validate checks the whole configuration
func (c Config) Validate() error {
	if c.RootPrefix != "" && !strings.HasSuffix(c.RootPrefix, "/") {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RootPrefix",
			"value":  c.RootPrefix,
			"reason": "must end with /",
		})
	}
	if c.QueryLimit < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "QueryLimit",
			"value":  c.QueryLimit,
			"reason": "must be non-negative",
		})
	}
	if c.RebuildConcurrency < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RebuildConcurrency",
			"value":  c.RebuildConcurrency,
			"reason": "must be non-negative",
		})
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// LoadConfig reads configuration from an optional file (yaml, json, toml)
// and S3ORM_* environment variables, e.g. S3ORM_BACKEND_BUCKET. Environment
// variables win over the file, the file wins over defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
					"path":   path,
					"reason": err.Error(),
				})
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": err.Error(),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setConfigDefaults registers every key so AutomaticEnv can bind it on Unmarshal.
func setConfigDefaults(v *viper.Viper, d Config) {
	v.SetDefault("root_prefix", d.RootPrefix)
	v.SetDefault("query_limit", d.QueryLimit)
	v.SetDefault("rebuild_concurrency", d.RebuildConcurrency)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("backend.type", d.Backend.Type)
	v.SetDefault("backend.bucket", d.Backend.Bucket)
	v.SetDefault("backend.region", d.Backend.Region)
	v.SetDefault("backend.endpoint", d.Backend.Endpoint)
	v.SetDefault("backend.access_key_id", d.Backend.AccessKeyID)
	v.SetDefault("backend.secret_access_key", d.Backend.SecretAccessKey)
	v.SetDefault("backend.use_path_style", d.Backend.UsePathStyle)
	v.SetDefault("backend.credentials_file", d.Backend.CredentialsFile)
	v.SetDefault("backend.path", d.Backend.Path)
	v.SetDefault("backend.retry", d.Backend.Retry)
	v.SetDefault("backend.encryption_key", d.Backend.EncryptionKey)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("retry.backoff_multiple", d.Retry.BackoffMultiple)
	v.SetDefault("retry.jitter_percent", d.Retry.JitterPercent)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
}
