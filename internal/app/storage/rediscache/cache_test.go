package rediscache

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
	"github.com/R3E-Network/app_registry/internal/app/storage/memory"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

// fakeClient keeps values in a map and records TTLs.
type fakeClient struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	gets   int
	getErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return redis.NewStringResult("", c.getErr)
	}
	v, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (c *fakeClient) Incr(_ context.Context, key string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := strconv.ParseInt(string(c.values[key]), 10, 64)
	n++
	c.values[key] = []byte(strconv.FormatInt(n, 10))
	return redis.NewIntResult(n, nil)
}

// Eval understands only fillScript.
func (c *fakeClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if script != fillScript {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	gen := "0"
	if v, ok := c.values[keys[1]]; ok {
		gen = string(v)
	}
	if gen != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	c.values[keys[0]] = []byte(args[1].(string))
	c.ttls[keys[0]] = time.Duration(args[2].(int64)) * time.Millisecond
	return redis.NewCmdResult(int64(1), nil)
}

func (c *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.values[k]; ok {
			delete(c.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (c *fakeClient) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

func quiet() Option {
	return WithLogger(logger.New("rediscache", logger.Config{Output: io.Discard}))
}

func seed(t *testing.T, store storage.RecordStore, raw string) name.Name {
	t.Helper()
	n := name.MustNew(raw)
	_, err := store.InsertRecord(context.Background(), n, apps.AppRecord{
		AppInfo: apps.Canonical(apps.NewAppInfo(apps.MustObjectID("0xaa"), apps.MustAddress("0x01"))),
		Storage: apps.MustObjectID("0x5"),
	})
	require.NoError(t, err)
	return n
}

func TestStore_ReadThrough(t *testing.T) {
	backing := memory.New()
	client := newFakeClient()
	cache := New(backing, client, WithTTL(time.Minute), quiet())
	n := seed(t, cache, "app@org")
	ctx := context.Background()

	assert.False(t, client.has(DefaultPrefix+"app@org"), "insert must not populate cache")

	first, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)
	require.True(t, client.has(DefaultPrefix+"app@org"))
	assert.Equal(t, time.Minute, client.ttls[DefaultPrefix+"app@org"])

	// served from cache even after the backing copy disappears
	require.NoError(t, backing.DeleteRecord(ctx, n))
	second, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, first.Storage, second.Storage)
	assert.True(t, second.AppInfo.Equal(first.AppInfo))
	assert.Equal(t, n, second.Name)
}

func TestStore_UpdateInvalidates(t *testing.T) {
	backing := memory.New()
	client := newFakeClient()
	cache := New(backing, client, quiet())
	ctx := context.Background()
	n := seed(t, cache, "app.example")

	_, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)

	_, err = cache.UpdateRecord(ctx, n, func(rec *apps.AppRecord) error {
		rec.PutNetwork("testnet", apps.NewAppInfo(apps.MustObjectID("0xbb"), apps.MustAddress("0x02")))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, client.has(DefaultPrefix+"app.example"))

	rec, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)
	_, ok := rec.Network("testnet")
	assert.True(t, ok)
}

// interleavedStore runs afterGet once, between the backing read and the
// moment the cache would be filled.
type interleavedStore struct {
	*memory.Store
	afterGet func()
}

func (s *interleavedStore) GetRecord(ctx context.Context, n name.Name) (apps.AppRecord, error) {
	rec, err := s.Store.GetRecord(ctx, n)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return rec, err
}

func TestStore_ReadRacingUpdateDoesNotCacheStaleRecord(t *testing.T) {
	backing := &interleavedStore{Store: memory.New()}
	client := newFakeClient()
	cache := New(backing, client, quiet())
	ctx := context.Background()
	n := seed(t, cache, "app.example")

	backing.afterGet = func() {
		_, err := cache.UpdateRecord(ctx, n, func(rec *apps.AppRecord) error {
			rec.PutNetwork("testnet", apps.NewAppInfo(apps.MustObjectID("0xbb"), apps.MustAddress("0x02")))
			return nil
		})
		require.NoError(t, err)
	}

	stale, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)
	_, ok := stale.Network("testnet")
	assert.False(t, ok, "the racing read returns what it fetched")
	assert.False(t, client.has(DefaultPrefix+"app.example"), "the racing read must not fill the cache")

	fresh, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)
	_, ok = fresh.Network("testnet")
	assert.True(t, ok, "a committed network entry must be visible")
	assert.True(t, client.has(DefaultPrefix+"app.example"))
}

func TestStore_FailedUpdateKeepsCache(t *testing.T) {
	client := newFakeClient()
	cache := New(memory.New(), client, quiet())
	ctx := context.Background()
	n := seed(t, cache, "app@org")
	_, err := cache.GetRecord(ctx, n)
	require.NoError(t, err)

	_, err = cache.UpdateRecord(ctx, n, func(*apps.AppRecord) error { return errors.New("nope") })
	require.Error(t, err)
	assert.True(t, client.has(DefaultPrefix+"app@org"))
}

func TestStore_RedisErrorFallsBack(t *testing.T) {
	client := newFakeClient()
	client.getErr = errors.New("connection refused")
	cache := New(memory.New(), client, quiet())
	n := seed(t, cache, "app@org")

	rec, err := cache.GetRecord(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, n, rec.Name)

	ok, err := cache.HasRecord(context.Background(), name.MustNew("ghost@org"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CorruptEntryDropped(t *testing.T) {
	client := newFakeClient()
	cache := New(memory.New(), client, quiet())
	n := seed(t, cache, "app@org")
	client.values[DefaultPrefix+"app@org"] = []byte("{not json")

	rec, err := cache.GetRecord(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, n, rec.Name)
}

func TestStore_MissingPassesThrough(t *testing.T) {
	cache := New(memory.New(), newFakeClient(), quiet())
	_, err := cache.GetRecord(context.Background(), name.MustNew("ghost@org"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	ctx := context.Background()
	client, err := Open(ctx, addr, os.Getenv("TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	defer client.Close()

	prefix := "app_registry_test:" + time.Now().Format("150405.000") + ":"
	cache := New(memory.New(), client, WithPrefix(prefix), WithTTL(10*time.Second), quiet())
	n := seed(t, cache, "app@org")
	defer client.Del(ctx, prefix+n.String())

	_, err = cache.GetRecord(ctx, n)
	require.NoError(t, err)
	ttl, err := client.TTL(ctx, prefix+n.String()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
