// Package secrets provides the read path for interpolation secrets: a
// Postgres-backed store with a short in-process cache so per-dispatch
// snapshots don't hammer the table.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swiftgrid/controlplane/common/cache"
	"github.com/swiftgrid/controlplane/common/models"
)

const (
	cacheKey = "secrets:snapshot"
	cacheTTL = 60 * time.Second
)

// Source is the persistence surface the store needs.
type Source interface {
	All(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]*models.Secret, error)
}

// Store serves secret snapshots for the dispatch path and mutations for
// the management API. Mutations invalidate the snapshot cache, so a write
// is visible to new dispatches within one cache miss.
type Store struct {
	source Source
	cache  *cache.TTLCache
}

// New creates a store over a secret repository.
func New(source Source, c *cache.TTLCache) *Store {
	return &Store{source: source, cache: c}
}

// Snapshot returns the full key → value map used for {{$env.*}} resolution.
// Values never leave the dispatch path; callers must not log them.
func (s *Store) Snapshot(ctx context.Context) (map[string]string, error) {
	if raw, ok := s.cache.Get(cacheKey); ok {
		var snapshot map[string]string
		if err := json.Unmarshal(raw, &snapshot); err == nil {
			return snapshot, nil
		}
		s.cache.Delete(cacheKey)
	}

	snapshot, err := s.source.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}

	if raw, err := json.Marshal(snapshot); err == nil {
		s.cache.Set(cacheKey, raw, cacheTTL)
	}
	return snapshot, nil
}

// Set writes a secret and invalidates the snapshot.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("secret key must not be empty")
	}
	if err := s.source.Upsert(ctx, key, value); err != nil {
		return err
	}
	s.cache.Delete(cacheKey)
	return nil
}

// Remove deletes a secret and invalidates the snapshot.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.source.Delete(ctx, key); err != nil {
		return err
	}
	s.cache.Delete(cacheKey)
	return nil
}

// Keys lists secret names with timestamps, never values.
func (s *Store) Keys(ctx context.Context) ([]*models.Secret, error) {
	return s.source.ListKeys(ctx)
}
