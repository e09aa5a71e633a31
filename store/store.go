package store

import (
	"context"
	"time"
)

// Store is the credential store: a flat TTL key-value namespace backed by an
// external, eventually-consistent service. Eviction of expired records is not
// guaranteed to be instantaneous, so every reader must re-check the record's
// own ExpiresAt field after a Get.
type Store interface {
	// Put stores a JSON-encodable value under key with the given TTL.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get retrieves the value stored under key into dest. It returns false
	// when the key is absent (or already evicted).
	Get(ctx context.Context, key string, dest any) (bool, error)

	// GetDel atomically retrieves and removes the value stored under key.
	// Single-use records (authorization codes) are consumed through this so
	// two concurrent redemptions cannot both observe the record.
	GetDel(ctx context.Context, key string, dest any) (bool, error)

	// Delete removes the record under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// Key builders for the record kinds sharing the flat namespace.

func ClientKey(clientID string) string { return "client:" + clientID }

func CodeKey(code string) string { return "code:" + code }

func TokenKey(token string) string { return "token:" + token }

func GrantKey(clientID, userID string) string { return "auth:" + clientID + ":" + userID }
