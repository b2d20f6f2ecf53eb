package s3orm

import (
	"context"
	"errors"
	"time"
)

// Backend is the object store s3orm emulates its collections on. Only
// put, get, head, delete and single-level prefix listing are required.
type Backend interface {
	// Get returns ErrNotFound when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error

	// Delete is idempotent: a missing key is not an error
	Delete(ctx context.Context, key string) error

	// DeleteBatch removes all keys, chunked as the store requires.
	// An empty slice makes no store calls.
	DeleteBatch(ctx context.Context, keys []string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the full keys of the objects directly under prefix, in
	// lexicographic order. Nested "directories" are not descended into.
	List(ctx context.Context, prefix string) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// Backend types understood by NewBackend
const (
	BackendS3         = "s3"
	BackendMinIO      = "minio"
	BackendGCS        = "gcs"
	BackendFilesystem = "filesystem"
)

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type            string `mapstructure:"type"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // S3-compatible endpoint, or host:port for MinIO
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	CredentialsFile string `mapstructure:"credentials_file"` // GCS service account JSON
	Path            string `mapstructure:"path"`             // filesystem base directory
	Retry           bool   `mapstructure:"retry"`            // wrap in a RetryBackend
	EncryptionKey   string `mapstructure:"encryption_key"`   // base64 AES-256 key, empty disables
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	switch c.Type {
	case BackendS3, BackendMinIO, BackendGCS:
		if c.Bucket == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Bucket",
				"reason": "bucket is required for " + c.Type,
			})
		}
	case BackendFilesystem:
		if c.Path == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Path",
				"reason": "base path is required for filesystem",
			})
		}
	case "":
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	if c.EncryptionKey != "" {
		if _, err := DecodeEncryptionKey(c.EncryptionKey); err != nil {
			return err
		}
	}

	switch c.Type {
	case BackendS3:
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case BackendMinIO:
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	}

	return nil
}

// NewBackend builds the backend described by cfg. When cfg.Retry is set the
// result is wrapped in a RetryBackend using retry.
func NewBackend(ctx context.Context, cfg BackendConfig, retry RetryConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case BackendS3:
		backend, err = NewS3BackendFromConfig(ctx, cfg)
	case BackendMinIO:
		backend, err = NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Bucket:          cfg.Bucket,
		})
	case BackendGCS:
		backend, err = NewGCSBackend(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
		})
	case BackendFilesystem:
		backend = NewFilesystemBackend(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	// encryption sits outside retries so a retried Put reuses its ciphertext
	if cfg.Retry {
		if backend, err = NewRetryBackend(backend, retry); err != nil {
			return nil, err
		}
	}
	if cfg.EncryptionKey != "" {
		key, err := DecodeEncryptionKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return NewEncryptionBackend(backend, key)
	}
	return backend, nil
}

// InstrumentedBackend records operation counts, errors and latency for
// another Backend.
type InstrumentedBackend struct {
	Backend
	name    string
	metrics Metrics
}

// NewInstrumentedBackend wraps backend; name is used as the "backend" label
func NewInstrumentedBackend(backend Backend, name string, metrics Metrics) *InstrumentedBackend {
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &InstrumentedBackend{Backend: backend, name: name, metrics: metrics}
}

func (b *InstrumentedBackend) observe(op string, start time.Time, err error) {
	b.metrics.Increment(MetricBackendOps, "operation", op, "backend", b.name)
	b.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", op, "backend", b.name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		b.metrics.Increment(MetricBackendErrors, "operation", op, "backend", b.name, "error_type", errorType(err))
	}
}

func (b *InstrumentedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := b.Backend.Get(ctx, key)
	b.observe("get", start, err)
	return data, err
}

func (b *InstrumentedBackend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := b.Backend.Put(ctx, key, data)
	b.observe("put", start, err)
	return err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := b.Backend.Delete(ctx, key)
	b.observe("delete", start, err)
	return err
}

func (b *InstrumentedBackend) DeleteBatch(ctx context.Context, keys []string) error {
	start := time.Now()
	err := b.Backend.DeleteBatch(ctx, keys)
	b.observe("delete_batch", start, err)
	return err
}

func (b *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := b.Backend.Exists(ctx, key)
	b.observe("exists", start, err)
	return ok, err
}

func (b *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := b.Backend.List(ctx, prefix)
	b.observe("list", start, err)
	return keys, err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
