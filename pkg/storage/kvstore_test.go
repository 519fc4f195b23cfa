package storage

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-deploy/pkg/config"
	"github.com/polisai/polis-deploy/pkg/logging"
)

type driver struct {
	name string
	open func(t *testing.T) KVStore
}

func drivers() []driver {
	return []driver{
		{name: "memory", open: func(t *testing.T) KVStore {
			kv := NewMemoryKV()
			t.Cleanup(func() { _ = kv.Close() })
			return kv
		}},
		{name: "redis", open: func(t *testing.T) KVStore {
			mr := miniredis.RunT(t)
			kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			t.Cleanup(func() { _ = kv.Close() })
			return kv
		}},
	}
}

func TestKVStoreContract(t *testing.T) {
	ctx := context.Background()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			kv := d.open(t)

			val, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, val)

			require.NoError(t, kv.Put(ctx, "a:1", []byte("one"), time.Hour))
			require.NoError(t, kv.Put(ctx, "a:2", []byte("two"), 0))
			require.NoError(t, kv.Put(ctx, "b:1", []byte("other"), time.Hour))

			val, err = kv.Get(ctx, "a:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), val)

			created, err := kv.PutIfAbsent(ctx, "a:1", []byte("clobber"), time.Hour)
			require.NoError(t, err)
			assert.False(t, created)
			val, _ = kv.Get(ctx, "a:1")
			assert.Equal(t, []byte("one"), val)

			created, err = kv.PutIfAbsent(ctx, "a:3", []byte("three"), time.Hour)
			require.NoError(t, err)
			assert.True(t, created)

			keys, err := kv.List(ctx, "a:")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"a:1", "a:2", "a:3"}, keys)

			require.NoError(t, kv.Delete(ctx, "a:1", "a:2", "never-existed"))
			keys, err = kv.List(ctx, "a:")
			require.NoError(t, err)
			assert.Equal(t, []string{"a:3"}, keys)

			require.NoError(t, kv.Delete(ctx))
		})
	}
}

func TestMemoryKVExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	defer kv.Close()

	require.NoError(t, kv.Put(ctx, "short", []byte("x"), 20*time.Millisecond))

	require.Eventually(t, func() bool {
		val, err := kv.Get(ctx, "short")
		return err == nil && val == nil
	}, time.Second, 10*time.Millisecond)

	keys, err := kv.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	created, err := kv.PutIfAbsent(ctx, "short", []byte("y"), time.Hour)
	require.NoError(t, err)
	assert.True(t, created, "expired keys count as absent")
}

func TestMemoryKVCopiesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	defer kv.Close()

	buf := []byte("abc")
	require.NoError(t, kv.Put(ctx, "k", buf, 0))
	buf[0] = 'z'

	val, _ := kv.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), val)
}

func TestRedisKVExpiryAndPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "polis:")
	defer kv.Close()

	require.NoError(t, kv.Put(ctx, "route:x", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("polis:route:x"))
	assert.Equal(t, time.Minute, mr.TTL("polis:route:x"))

	mr.FastForward(2 * time.Minute)
	val, err := kv.Get(ctx, "route:x")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisKVListEscapesGlob(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer kv.Close()

	require.NoError(t, kv.Put(ctx, "a*:1", []byte("1"), 0))
	require.NoError(t, kv.Put(ctx, "ab:1", []byte("2"), 0))

	keys, err := kv.List(ctx, "a*:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*:1"}, keys)
}

func TestRedisKVFaultsSurface(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv := NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer kv.Close()

	mr.SetError("ERR storage offline")
	_, err := kv.Get(ctx, "k")
	assert.Error(t, err)
	_, err = kv.List(ctx, "")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, config.StorageConfig{Driver: "memory"}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)
	_ = kv.Close()

	mr := miniredis.RunT(t)
	kv, err = Open(ctx, config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addr: mr.Addr()}}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &RedisKV{}, kv)
	_ = kv.Close()

	_, err = Open(ctx, config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:1"}}, logging.Discard())
	assert.Error(t, err)

	_, err = Open(ctx, config.StorageConfig{Driver: "etcd"}, nil)
	assert.Error(t, err)
}
