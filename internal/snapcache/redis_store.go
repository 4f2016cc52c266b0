// Package snapcache caches shared snapshot records in Redis so public
// snapshot views avoid a database round trip. The database stays the
// source of truth; the cache is best-effort.
package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peerdiffx/api/internal/store"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client, prefix: "snapshot:"}, nil
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "snapshot:"}
}

func (s *Store) key(snapshotID string) string {
	return s.prefix + snapshotID
}

// Save caches a snapshot until its expiry. Already-expired snapshots
// are not cached.
func (s *Store) Save(ctx context.Context, snapshot store.Snapshot) error {
	ttl := time.Until(snapshot.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, s.key(snapshot.ID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// Lookup returns the cached snapshot and whether it was present.
func (s *Store) Lookup(ctx context.Context, snapshotID string) (store.Snapshot, bool, error) {
	jsonData, err := s.client.Get(ctx, s.key(snapshotID)).Result()
	if errors.Is(err, redis.Nil) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("lookup snapshot: %w", err)
	}

	var snapshot store.Snapshot
	if err := json.Unmarshal([]byte(jsonData), &snapshot); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Invalidate drops a cached snapshot, for example after an access-count
// bump that the cached copy does not reflect.
func (s *Store) Invalidate(ctx context.Context, snapshotID string) error {
	if err := s.client.Del(ctx, s.key(snapshotID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
