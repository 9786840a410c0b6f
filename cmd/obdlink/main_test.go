package main

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"obd-link/internal/config"
	"obd-link/internal/events"
)

func TestAPIDepsClosesRedisCache(t *testing.T) {
	cfg := config.Default()
	cfg.Lookup.URL = "http://127.0.0.1:1/lookup"
	cfg.Lookup.Cache.Kind = config.CacheRedis
	cfg.Lookup.Cache.RedisAddr = "127.0.0.1:1"

	d, closeCache := apiDeps(&cfg, nil, nil, nil, events.NewBus(1), zaptest.NewLogger(t))
	if d.Lookup == nil {
		t.Fatal("lookup client not wired")
	}
	if err := closeCache(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// go-redis refuses a second Close, so the client really was released.
	if err := closeCache(); err == nil {
		t.Fatal("redis client not closed")
	}
}

func TestAPIDepsMemoryCacheNeedsNoClose(t *testing.T) {
	cfg := config.Default()
	cfg.Lookup.URL = "http://127.0.0.1:1/lookup"

	_, closeCache := apiDeps(&cfg, nil, nil, nil, events.NewBus(1), zaptest.NewLogger(t))
	if err := closeCache(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
