package s3orm

import (
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional Redis used for atomic id allocation
// and distributed locks. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis address is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Options converts the config into go-redis options. Zero values keep the
// go-redis defaults.
func (c RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	return opts
}

// NewRedisClient returns a client for the config, or nil when Redis is disabled
func (c RedisConfig) NewRedisClient() *redis.Client {
	if !c.Enabled() {
		return nil
	}
	return redis.NewClient(c.Options())
}
