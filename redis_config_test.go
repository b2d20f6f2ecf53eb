package s3orm

import "testing"

func TestRedisConfigOptions(t *testing.T) {
	cfg := RedisConfig{Addr: "redis.example.com:6380", Password: "secret", DB: 5, PoolSize: 20}

	opts := cfg.Options()
	if opts.Addr != "redis.example.com:6380" {
		t.Errorf("expected addr redis.example.com:6380, got %s", opts.Addr)
	}
	if opts.Password != "secret" {
		t.Errorf("expected password secret, got %s", opts.Password)
	}
	if opts.DB != 5 {
		t.Errorf("expected db 5, got %d", opts.DB)
	}
	if opts.PoolSize != 20 {
		t.Errorf("expected pool size 20, got %d", opts.PoolSize)
	}
}

func TestRedisConfigDisabled(t *testing.T) {
	cfg := RedisConfig{}
	if cfg.Enabled() {
		t.Error("empty config should be disabled")
	}
	if cfg.NewRedisClient() != nil {
		t.Error("expected nil client when disabled")
	}
}
