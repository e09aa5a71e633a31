package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store is an in-memory credential store built on ttlcache. It backs tests
// and single-instance deployments without a Redis binding; records expire
// the same way they do in the external store.
type Store struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

// New creates a new in-memory store with automatic expiry cleanup.
func New() *Store {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)

	// Start the cleanup process
	go cache.Start()

	return &Store{cache: cache}
}

// Put stores a JSON-encoded record with the given TTL.
func (s *Store) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, data, ttl)

	return nil
}

// Get retrieves a record into dest. Absent keys return (false, nil).
func (s *Store) Get(_ context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	item := s.cache.Get(key)
	s.mu.Unlock()

	if item == nil {
		return false, nil
	}

	if err := json.Unmarshal(item.Value(), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}

// GetDel retrieves and removes a record under the store lock, mirroring the
// atomicity of the Redis GETDEL primitive.
func (s *Store) GetDel(_ context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	item := s.cache.Get(key)
	if item != nil {
		s.cache.Delete(key)
	}
	s.mu.Unlock()

	if item == nil {
		return false, nil
	}

	if err := json.Unmarshal(item.Value(), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)

	return nil
}

// Close stops the cleanup goroutine.
func (s *Store) Close() error {
	s.cache.Stop()

	return nil
}
