// Package storage persists versioned tenant routes on a key-value collaborator.
//
// RouteStore owns the key layout and the version history rules. The KVStore
// drivers (memory, redis) only move bytes.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-deploy/pkg/config"
)

// KVStore is the key-value collaborator behind RouteStore.
type KVStore interface {
	// Get returns the value for key, or (nil, nil) when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A non-positive ttl stores without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent stores value only if key does not exist. It reports whether
	// this call wrote the value.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// List returns every live key starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open creates the KVStore selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.Info("using in-memory route storage")
		return NewMemoryKV(), nil
	case "redis":
		kv, err := NewRedisKV(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis route storage", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		return kv, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
