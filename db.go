package s3orm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// schemaNamespace holds persisted schemas at keyval/_schemas/<model>. Model
// names cannot start with '_', so no model's keyvals reach it.
const schemaNamespace = "_schemas"

// DB is the connection object every model hangs off: one object store,
// one key layout, one schema registry. Several DBs can share a process.
type DB struct {
	backend  Backend
	engine   *Engine
	registry *SchemaRegistry

	logger    Logger
	metrics   Metrics
	profiler  *QueryProfiler
	allocator IDAllocator
	locker    Locker
	now       func() time.Time

	backendName        string
	rootPrefix         string
	queryLimit         int
	rebuildConcurrency int
	loadConcurrency    int

	closers []func() error
}

// Option configures a DB
type Option func(*DB)

func WithLogger(logger Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(db *DB) {
		if metrics != nil {
			db.metrics = metrics
		}
	}
}

// WithQueryProfiler records every query in p
func WithQueryProfiler(p *QueryProfiler) Option {
	return func(db *DB) { db.profiler = p }
}

// WithIDAllocator replaces the default MaxIDAllocator
func WithIDAllocator(a IDAllocator) Option {
	return func(db *DB) { db.allocator = a }
}

// WithLocker serializes saves per record and rebuilds per model
func WithLocker(l Locker) Option {
	return func(db *DB) { db.locker = l }
}

// WithRootPrefix sets the key prefix, "s3orm/" by default
func WithRootPrefix(prefix string) Option {
	return func(db *DB) { db.rootPrefix = prefix }
}

// WithQueryLimit sets the page size used when a query has no limit
func WithQueryLimit(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.queryLimit = n
		}
	}
}

func WithRebuildConcurrency(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.rebuildConcurrency = n
		}
	}
}

// WithClock overrides the time source for expiry
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// New creates a DB on an existing backend. Every backend call is counted
// and timed through the configured Metrics.
func New(backend Backend, opts ...Option) *DB {
	db := &DB{
		backend:            backend,
		registry:           NewSchemaRegistry(),
		logger:             &NoOpLogger{},
		metrics:            &NoOpMetrics{},
		now:                time.Now,
		backendName:        "custom",
		rootPrefix:         DefaultRootPrefix,
		queryLimit:         DefaultQueryLimit,
		rebuildConcurrency: DefaultRebuildConcurrency,
		loadConcurrency:    DefaultRebuildConcurrency,
	}
	for _, opt := range opts {
		opt(db)
	}

	db.backend = NewInstrumentedBackend(backend, db.backendName, db.metrics)
	db.engine = NewEngine(db.backend, NewKeyCodec(db.rootPrefix), db.logger)
	if db.allocator == nil {
		db.allocator = NewMaxIDAllocator(db.engine, db.metrics)
	}
	return db
}

// Open builds the backend, logger and, when Redis is configured, the
// Redis id allocator and lock from cfg. opts are applied last.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewProductionZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	backend, err := NewBackend(ctx, cfg.Backend, cfg.Retry)
	if err != nil {
		return nil, err
	}

	base := []Option{
		func(db *DB) { db.backendName = cfg.Backend.Type },
		WithLogger(logger),
		WithRootPrefix(cfg.RootPrefix),
		WithQueryLimit(cfg.QueryLimit),
		WithRebuildConcurrency(cfg.RebuildConcurrency),
	}
	db := New(backend, append(base, opts...)...)
	// Sync fails on unbuffered stderr in most terminals
	db.closers = append(db.closers, func() error { _ = logger.Sync(); return nil })

	if client := cfg.Redis.NewRedisClient(); client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = backend.Close()
			return nil, fmt.Errorf("%w: redis ping: %w", ErrStoreUnavailable, err)
		}
		db.useRedis(client)
		db.closers = append(db.closers, client.Close)
	}

	logger.Info("s3orm opened",
		"backend", cfg.Backend.Type,
		"root_prefix", db.engine.Keys().Root(),
		"redis", cfg.Redis.Enabled(),
	)
	return db, nil
}

// useRedis switches id allocation and locking to client unless options
// already chose them
func (db *DB) useRedis(client *redis.Client) {
	if _, ok := db.allocator.(*MaxIDAllocator); ok {
		mirror := NewMaxIDAllocator(db.engine, db.metrics)
		db.allocator = NewRedisIDAllocator(client, mirror, db.logger, db.metrics)
	}
	if db.locker == nil {
		db.locker = NewDistributedLock(client, "s3orm").
			WithLogger(db.logger).
			WithMetrics(db.metrics)
	}
}

func (db *DB) Engine() *Engine { return db.engine }

func (db *DB) Backend() Backend { return db.backend }

func (db *DB) Logger() Logger { return db.logger }

func (db *DB) Metrics() Metrics { return db.metrics }

func (db *DB) Registry() *SchemaRegistry { return db.registry }

func (db *DB) IDAllocator() IDAllocator { return db.allocator }

// Profiler returns the query profiler, nil when none is configured
func (db *DB) Profiler() *QueryProfiler { return db.profiler }

// Register adds schema to the registry without persisting it
func (db *DB) Register(schema *Schema) *Model {
	db.registry.Register(schema)
	return &Model{db: db, schema: schema}
}

// Define registers schema and persists it at keyval/_schemas/<model>
func (db *DB) Define(ctx context.Context, schema *Schema) (*Model, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema %s: %w", schema.Model, err)
	}
	if err := db.engine.Set(ctx, schemaNamespace+"/"+schema.Model, string(data)); err != nil {
		return nil, fmt.Errorf("failed to persist schema %s: %w", schema.Model, err)
	}
	return db.Register(schema), nil
}

// Model returns the registered model, ErrUnknownModel otherwise
func (db *DB) Model(name string) (*Model, error) {
	schema, err := db.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return &Model{db: db, schema: schema}, nil
}

// LoadSchemas registers every persisted schema and returns their names.
// Schemas already registered in this process are replaced. Keys that do not
// hold a valid schema are logged and skipped.
func (db *DB) LoadSchemas(ctx context.Context) ([]string, error) {
	keys, err := db.engine.ListChildren(ctx, db.engine.Keys().BuildPrefix(KindKeyVal, schemaNamespace))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		data, err := db.engine.GetScalar(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		schema := &Schema{}
		if err := json.Unmarshal(data, schema); err != nil {
			db.logger.Warn("skipping unreadable schema", "key", key, "error", err)
			continue
		}
		db.registry.Register(schema)
		names = append(names, schema.Model)
	}
	return names, nil
}

// Drop deletes all data of a model and its persisted schema
func (db *DB) Drop(ctx context.Context, name string) error {
	m, err := db.Model(name)
	if err != nil {
		return err
	}
	if err := m.Drop(ctx); err != nil {
		return err
	}
	if err := db.engine.Del(ctx, schemaNamespace+"/"+name); err != nil {
		return err
	}
	db.registry.Remove(name)
	return nil
}

// Ping checks the object store
func (db *DB) Ping(ctx context.Context) error {
	return db.backend.Ping(ctx)
}

// Close releases the backend and everything Open created
func (db *DB) Close() error {
	errs := []error{db.backend.Close()}
	for i := len(db.closers) - 1; i >= 0; i-- {
		errs = append(errs, db.closers[i]())
	}
	return errors.Join(errs...)
}
