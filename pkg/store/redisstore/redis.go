// Package redisstore implements store.LeaseRecordStore on Redis.
//
// Lease records are hashes holding leased_until and version, updated by Lua
// scripts so the version check and the write happen atomically. Exclusive
// leases are SET NX PX keys holding the lease token next to a plain object key,
// so Redis key expiry is the native lease expiry.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pixperk/leasekeeper/pkg/types"
)

const DefaultPrefix = "leasekeeper"

var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "leased_until", ARGV[1], "version", ARGV[2])
return 1
`)

var replaceScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
	return -1
end
if current ~= ARGV[3] then
	return 0
end
redis.call("HSET", KEYS[1], "leased_until", ARGV[1], "version", ARGV[2])
return 1
`)

var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements store.LeaseRecordStore using a Redis backend.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Store)

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New returns a store using the provided client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// keys of one lock share a hash tag so scripts stay on one cluster slot
func (s *Store) recordKey(name string) string {
	return s.prefix + ":{" + name + "}:record"
}

func (s *Store) objectKey(name string) string {
	return s.prefix + ":{" + name + "}:object"
}

func (s *Store) leaseKey(name string) string {
	return s.prefix + ":{" + name + "}:lease"
}

func (s *Store) Read(ctx context.Context, name string) (types.LeaseRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(name)).Result()
	if err != nil {
		return types.LeaseRecord{}, fmt.Errorf("read record: %w", err)
	}
	if len(fields) == 0 {
		return types.LeaseRecord{}, types.ErrNotFound
	}

	leasedUntil, err := time.Parse(time.RFC3339Nano, fields["leased_until"])
	if err != nil {
		return types.LeaseRecord{}, fmt.Errorf("parse leased_until of %q: %w", name, err)
	}
	return types.LeaseRecord{
		ID:          name,
		LeasedUntil: leasedUntil.UTC(),
		Version:     fields["version"],
	}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, name string, leasedUntil time.Time) (string, error) {
	version := uuid.NewString()
	created, err := createScript.Run(ctx, s.client, []string{s.recordKey(name)}, formatTime(leasedUntil), version).Int()
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	if created == 0 {
		return "", types.ErrAlreadyExists
	}
	return version, nil
}

func (s *Store) ReplaceIfVersionMatches(ctx context.Context, name string, leasedUntil time.Time, expected string) (string, error) {
	version := uuid.NewString()
	res, err := replaceScript.Run(ctx, s.client, []string{s.recordKey(name)}, formatTime(leasedUntil), version, expected).Int()
	if err != nil {
		return "", fmt.Errorf("replace record: %w", err)
	}
	switch res {
	case -1:
		return "", types.ErrNotFound
	case 0:
		return "", types.ErrVersionConflict
	}
	return version, nil
}

func (s *Store) CreateObject(ctx context.Context, name string) error {
	if err := s.client.Set(ctx, s.objectKey(name), "lock", 0).Err(); err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	return nil
}

func (s *Store) AcquireExclusive(ctx context.Context, name string, d time.Duration) (string, error) {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	token := uuid.NewString()
	res, err := acquireScript.Run(ctx, s.client, []string{s.objectKey(name), s.leaseKey(name)}, token, ms).Int()
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	switch res {
	case -1:
		return "", types.ErrNotFound
	case 0:
		return "", types.ErrConflict
	}
	return token, nil
}

func (s *Store) ReleaseExclusive(ctx context.Context, name, token string) error {
	deleted, err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if deleted == 0 {
		return types.ErrLeaseMismatch
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
