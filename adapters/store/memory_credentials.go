package store

import (
	"context"
	"sync"

	"github.com/layer-3/warden/core"
)

// MemoryCredentialStore is an in-memory implementation of ports.CredentialStore
type MemoryCredentialStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemoryCredentialStore creates an empty credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{hashes: make(map[string]string)}
}

// GetPasswordHash returns the stored hash of userID
func (s *MemoryCredentialStore) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.hashes[userID]
	if !ok {
		return "", core.ErrNotFound
	}
	return hash, nil
}

// SetPasswordHash stores or replaces the hash of userID
func (s *MemoryCredentialStore) SetPasswordHash(ctx context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[userID] = hash
	return nil
}

// DeletePasswordHash forgets userID's password
func (s *MemoryCredentialStore) DeletePasswordHash(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, userID)
	return nil
}
