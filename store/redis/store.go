package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements the credential store interface on top of Redis. Records
// are stored as JSON strings with a per-key TTL (SET ... EX). Single-use
// consumption maps onto GETDEL, which is atomic on the server, so two
// concurrent redemptions of the same authorization code cannot both succeed.
type Store struct {
	client *redis.Client
	prefix string // optional key prefix
}

// New creates a new [Store] instance.
func New(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

func (s *Store) redisKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Put stores a JSON-encoded record with the given TTL.
func (s *Store) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := s.client.Set(ctx, s.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record in redis: %w", err)
	}

	return nil
}

// Get retrieves a record into dest. Absent keys return (false, nil).
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read record from redis: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}

// GetDel atomically retrieves and removes a record.
func (s *Store) GetDel(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.GetDel(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume record from redis: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete record from redis: %w", err)
	}
	return nil
}
