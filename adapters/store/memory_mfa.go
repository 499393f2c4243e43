package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
)

// MemoryMFAStore is an in-memory implementation of ports.MFAStore
type MemoryMFAStore struct {
	mu         sync.Mutex
	states     map[string]*core.MFAState
	challenges map[string]*core.Challenge
}

// NewMemoryMFAStore creates an empty MFA store
func NewMemoryMFAStore() *MemoryMFAStore {
	return &MemoryMFAStore{
		states:     make(map[string]*core.MFAState),
		challenges: make(map[string]*core.Challenge),
	}
}

// GetState returns a copy of the user's MFA state
func (s *MemoryMFAStore) GetState(ctx context.Context, userID string) (*core.MFAState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return state.Clone(), nil
}

// UpdateState applies fn under the store lock
func (s *MemoryMFAStore) UpdateState(ctx context.Context, userID string, fn func(*core.MFAState) error) (*core.MFAState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := &core.MFAState{UserID: userID}
	if existing, ok := s.states[userID]; ok {
		working = existing.Clone()
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	s.states[userID] = working.Clone()
	return working, nil
}

// DeleteState forgets a user's enrollment
func (s *MemoryMFAStore) DeleteState(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

// SaveChallenge stores a new challenge
func (s *MemoryMFAStore) SaveChallenge(ctx context.Context, ch *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.ID] = &cp
	return nil
}

// ConsumeChallenge marks a challenge consumed exactly once
func (s *MemoryMFAStore) ConsumeChallenge(ctx context.Context, id string) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[id]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	before := *ch
	if ch.Consumed {
		return &before, core.ErrChallengeConsumed
	}
	ch.Consumed = true
	return &before, nil
}

// PruneChallenges drops expired challenges
func (s *MemoryMFAStore) PruneChallenges(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ch := range s.challenges {
		if !now.Before(ch.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed, nil
}
