// Package rediscache decorates a RecordStore with a Redis read-through cache.
//
// Writes always go to the backing store first; the cached copy is deleted
// afterwards, so the next read repopulates it from the source of truth.
//
// Every name also has a generation counter that writes bump before deleting
// the cached copy. A reader notes the generation before it reads the backing
// store and fills the cache only if the counter has not moved, so a read that
// raced a write can never put the older record back.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

const (
	DefaultPrefix = "app_registry:record:"
	DefaultTTL    = 5 * time.Minute
)

// fillScript stores ARGV[2] under KEYS[1] for ARGV[3] milliseconds unless the
// generation in KEYS[2] differs from ARGV[1]. A missing generation reads as 0.
const fillScript = `
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// Client is the subset of *redis.Client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

var _ Client = (*redis.Client)(nil)

// Store is a caching storage.RecordStore.
type Store struct {
	backing storage.RecordStore
	client  Client
	prefix  string
	ttl     time.Duration
	log     *logger.Logger
}

var _ storage.RecordStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New wraps backing with a cache held in client.
func New(backing storage.RecordStore, client Client, opts ...Option) *Store {
	s := &Store{
		backing: backing,
		client:  client,
		prefix:  DefaultPrefix,
		ttl:     DefaultTTL,
		log:     logger.NewDefault("rediscache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to a Redis server and verifies it answers PING.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) key(n name.Name) string {
	return s.prefix + n.String()
}

func (s *Store) generationKey(n name.Name) string {
	return s.prefix + n.String() + ":gen"
}

func (s *Store) GetRecord(ctx context.Context, n name.Name) (apps.AppRecord, error) {
	if rec, ok := s.cached(ctx, n); ok {
		return rec, nil
	}

	gen, genOK := s.generation(ctx, n)
	rec, err := s.backing.GetRecord(ctx, n)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if genOK {
		s.fill(ctx, rec, gen)
	}
	return rec, nil
}

func (s *Store) HasRecord(ctx context.Context, n name.Name) (bool, error) {
	if _, ok := s.cached(ctx, n); ok {
		return true, nil
	}
	return s.backing.HasRecord(ctx, n)
}

func (s *Store) InsertRecord(ctx context.Context, n name.Name, rec apps.AppRecord) (apps.AppRecord, error) {
	out, err := s.backing.InsertRecord(ctx, n, rec)
	if err != nil {
		return apps.AppRecord{}, err
	}
	s.invalidate(ctx, n)
	return out, nil
}

func (s *Store) UpdateRecord(ctx context.Context, n name.Name, fn storage.MutateFunc) (apps.AppRecord, error) {
	out, err := s.backing.UpdateRecord(ctx, n, fn)
	if err != nil {
		return apps.AppRecord{}, err
	}
	s.invalidate(ctx, n)
	return out, nil
}

func (s *Store) DeleteRecord(ctx context.Context, n name.Name) error {
	if err := s.backing.DeleteRecord(ctx, n); err != nil {
		return err
	}
	s.invalidate(ctx, n)
	return nil
}

func (s *Store) ListRecords(ctx context.Context) ([]apps.AppRecord, error) {
	return s.backing.ListRecords(ctx)
}

func (s *Store) CountRecords(ctx context.Context) (int, error) {
	return s.backing.CountRecords(ctx)
}

func (s *Store) cached(ctx context.Context, n name.Name) (apps.AppRecord, bool) {
	data, err := s.client.Get(ctx, s.key(n)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).WithField("name", n.String()).Warn("redis get failed; reading backing store")
		}
		return apps.AppRecord{}, false
	}

	var rec apps.AppRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Name != n {
		s.log.WithField("name", n.String()).Warn("discarding undecodable cache entry")
		s.invalidate(ctx, n)
		return apps.AppRecord{}, false
	}
	return rec, true
}

// generation returns the write counter for n. ok is false when Redis could
// not answer, in which case the caller must not fill.
func (s *Store) generation(ctx context.Context, n name.Name) (string, bool) {
	gen, err := s.client.Get(ctx, s.generationKey(n)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", true
	case err != nil:
		s.log.WithError(err).WithField("name", n.String()).Warn("redis generation read failed; not caching")
		return "", false
	}
	return gen, true
}

func (s *Store) fill(ctx context.Context, rec apps.AppRecord, gen string) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	keys := []string{s.key(rec.Name), s.generationKey(rec.Name)}
	stored, err := s.client.Eval(ctx, fillScript, keys, gen, string(data), s.ttl.Milliseconds()).Int()
	if err != nil {
		s.log.WithError(err).WithField("name", rec.Name.String()).Warn("redis fill failed")
		return
	}
	if stored == 0 {
		s.log.WithField("name", rec.Name.String()).Debug("record changed while reading; cache not filled")
	}
}

// invalidate bumps the generation first so that in-flight readers holding the
// previous generation cannot fill, then drops the cached copy.
func (s *Store) invalidate(ctx context.Context, n name.Name) {
	if err := s.client.Incr(ctx, s.generationKey(n)).Err(); err != nil {
		s.log.WithError(err).WithField("name", n.String()).Warn("redis generation bump failed")
	}
	if err := s.client.Del(ctx, s.key(n)).Err(); err != nil {
		s.log.WithError(err).WithField("name", n.String()).Warn("redis invalidate failed")
	}
}
