package store

import (
	"context"
	"errors"

	"github.com/layer-3/warden/core"
	"github.com/redis/go-redis/v9"
)

// RedisCredentialStore keeps password hashes in a single Redis hash keyed by user id
type RedisCredentialStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisCredentialStore creates a new Redis credential store
func NewRedisCredentialStore(client redis.UniversalClient, prefix string) *RedisCredentialStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisCredentialStore{client: client, key: prefix + "credentials"}
}

// GetPasswordHash returns the stored hash of userID
func (s *RedisCredentialStore) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	hash, err := s.client.HGet(ctx, s.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", storeErr("load password hash", err)
	}
	return hash, nil
}

// SetPasswordHash stores or replaces the hash of userID
func (s *RedisCredentialStore) SetPasswordHash(ctx context.Context, userID, hash string) error {
	if err := s.client.HSet(ctx, s.key, userID, hash).Err(); err != nil {
		return storeErr("save password hash", err)
	}
	return nil
}

// DeletePasswordHash forgets userID's password
func (s *RedisCredentialStore) DeletePasswordHash(ctx context.Context, userID string) error {
	if err := s.client.HDel(ctx, s.key, userID).Err(); err != nil {
		return storeErr("delete password hash", err)
	}
	return nil
}
