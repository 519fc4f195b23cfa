package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryKV is an in-process KVStore backed by a ttlcache. Entries do not
// survive a restart.
type MemoryKV struct {
	// mu serialises PutIfAbsent against other writers.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryKV creates a MemoryKV and starts its expiry loop.
func NewMemoryKV() *MemoryKV {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()
	return &MemoryKV{cache: cache}
}

func itemTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get implements KVStore.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil, nil
	}
	return clone(item.Value()), nil
}

// Put implements KVStore.
func (m *MemoryKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Set(key, clone(value), itemTTL(ttl))
	return nil
}

// PutIfAbsent implements KVStore.
func (m *MemoryKV) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.cache.Get(key); item != nil && !item.IsExpired() {
		return false, nil
	}
	m.cache.Set(key, clone(value), itemTTL(ttl))
	return true, nil
}

// Delete implements KVStore.
func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}

// List implements KVStore.
func (m *MemoryKV) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, key := range m.cache.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if item := m.cache.Get(key); item == nil || item.IsExpired() {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close stops the expiry loop.
func (m *MemoryKV) Close() error {
	m.cache.Stop()
	return nil
}
