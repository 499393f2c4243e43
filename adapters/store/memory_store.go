package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
)

// MemoryBlacklist is an in-memory implementation of ports.BlacklistStore
type MemoryBlacklist struct {
	entries map[string]core.BlacklistEntry
	mu      sync.RWMutex
}

// NewMemoryBlacklist creates a new in-memory blacklist store
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{
		entries: make(map[string]core.BlacklistEntry),
	}
}

// Add stores entry unless its token id is already blacklisted
func (s *MemoryBlacklist) Add(ctx context.Context, entry core.BlacklistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.TokenID]; ok && existing.ExpiresAt.After(entry.CreatedAt) {
		return false, nil
	}
	s.entries[entry.TokenID] = entry
	return true, nil
}

// Contains checks if a token is blacklisted
func (s *MemoryBlacklist) Contains(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[tokenID]
	if !exists {
		return false, nil
	}

	return entry.ExpiresAt.After(now), nil
}

// Entries lists live entries ordered by creation time
func (s *MemoryBlacklist) Entries(ctx context.Context, now time.Time) ([]core.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.BlacklistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Prune removes entries whose token would already be rejected as expired
func (s *MemoryBlacklist) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryRefreshStore is an in-memory implementation of ports.RefreshStore.
// A single mutex makes MarkConsumed linearizable.
type MemoryRefreshStore struct {
	mu        sync.Mutex
	records   map[string]*core.RefreshRecord
	families  map[string][]string
	bySession map[string]map[string]struct{}
}

// NewMemoryRefreshStore creates an empty refresh store
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{
		records:   make(map[string]*core.RefreshRecord),
		families:  make(map[string][]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Save stores a freshly issued record
func (s *MemoryRefreshStore) Save(ctx context.Context, rec *core.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(rec)
	return nil
}

func (s *MemoryRefreshStore) saveLocked(rec *core.RefreshRecord) {
	cp := *rec
	if _, exists := s.records[rec.TokenID]; !exists {
		s.families[rec.FamilyID] = append(s.families[rec.FamilyID], rec.TokenID)
	}
	s.records[rec.TokenID] = &cp
	if s.bySession[rec.SessionID] == nil {
		s.bySession[rec.SessionID] = make(map[string]struct{})
	}
	s.bySession[rec.SessionID][rec.FamilyID] = struct{}{}
}

// Get returns a copy of the record for tokenID
func (s *MemoryRefreshStore) Get(ctx context.Context, tokenID string) (*core.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[tokenID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyRecord(rec), nil
}

// MarkConsumed retires tokenID and stores its successor
func (s *MemoryRefreshStore) MarkConsumed(ctx context.Context, tokenID string, c core.Consumption) (*core.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[tokenID]
	if !ok {
		return nil, core.ErrNotFound
	}
	if rec.RevokedAt != nil {
		return copyRecord(rec), core.ErrFamilyRevoked
	}
	if rec.ConsumedAt != nil {
		out := copyRecord(rec)
		if out.Replacement != nil && c.At.Sub(*out.ConsumedAt) > c.GraceWindow {
			rec.Replacement = nil
			out.Replacement = nil
		}
		return out, core.ErrTokenConsumed
	}

	at := c.At
	rec.ConsumedAt = &at
	rec.ReplacedByTokenID = c.Next.TokenID
	replacement := c.Replacement
	rec.Replacement = &replacement
	s.saveLocked(c.Next)

	return copyRecord(rec), nil
}

// RevokeFamily marks every record in familyID revoked
func (s *MemoryRefreshStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) ([]*core.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeFamilyLocked(familyID, at), nil
}

func (s *MemoryRefreshStore) revokeFamilyLocked(familyID string, at time.Time) []*core.RefreshRecord {
	ids := s.families[familyID]
	out := make([]*core.RefreshRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.RevokedAt == nil {
			revokedAt := at
			rec.RevokedAt = &revokedAt
		}
		rec.Replacement = nil
		out = append(out, copyRecord(rec))
	}
	return out
}

// RevokeSession revokes every family issued for sessionID
func (s *MemoryRefreshStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) ([]*core.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.RefreshRecord
	for familyID := range s.bySession[sessionID] {
		out = append(out, s.revokeFamilyLocked(familyID, at)...)
	}
	return out, nil
}

// PruneExpired drops records past their expiry along with emptied family and
// session indexes
func (s *MemoryRefreshStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.ExpiresAt.After(now) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	for familyID, ids := range s.families {
		live := ids[:0]
		for _, id := range ids {
			if _, ok := s.records[id]; ok {
				live = append(live, id)
			}
		}
		if len(live) == 0 {
			delete(s.families, familyID)
			continue
		}
		s.families[familyID] = live
	}
	for sessionID, families := range s.bySession {
		for familyID := range families {
			if _, ok := s.families[familyID]; !ok {
				delete(families, familyID)
			}
		}
		if len(families) == 0 {
			delete(s.bySession, sessionID)
		}
	}
	return removed, nil
}

func copyRecord(rec *core.RefreshRecord) *core.RefreshRecord {
	cp := *rec
	if rec.Replacement != nil {
		pair := *rec.Replacement
		cp.Replacement = &pair
	}
	return &cp
}

// MemorySessionStore is an in-memory implementation of ports.SessionStore.
// All writes share one mutex, which serializes per-user eviction.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	byUser   map[string]map[string]struct{}
}

// NewMemorySessionStore creates an empty session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*core.Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Create stores s and evicts the least recently active sessions over the cap
func (s *MemorySessionStore) Create(ctx context.Context, sess *core.Session, maxPerUser int) ([]*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*core.Session
	if maxPerUser > 0 {
		existing := make([]*core.Session, 0, len(s.byUser[sess.UserID]))
		for id := range s.byUser[sess.UserID] {
			existing = append(existing, s.sessions[id])
		}
		for _, victim := range oldestFirst(existing, len(existing)+1-maxPerUser) {
			s.deleteLocked(victim.ID)
			evicted = append(evicted, victim)
		}
	}

	s.sessions[sess.ID] = sess.Clone()
	if s.byUser[sess.UserID] == nil {
		s.byUser[sess.UserID] = make(map[string]struct{})
	}
	s.byUser[sess.UserID][sess.ID] = struct{}{}
	return evicted, nil
}

// Get returns a copy of the session
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Update overwrites an existing session
func (s *MemorySessionStore) Update(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return core.ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session and returns it
func (s *MemorySessionStore) Delete(ctx context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	s.deleteLocked(id)
	return sess, nil
}

// DeleteByUser removes every session of userID
func (s *MemorySessionStore) DeleteByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Session
	for id := range s.byUser[userID] {
		out = append(out, s.sessions[id])
		s.deleteLocked(id)
	}
	return out, nil
}

// ListByUser returns the sessions of userID, most recently active first
func (s *MemorySessionStore) ListByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, s.sessions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// DeleteStale removes idle or expired sessions
func (s *MemorySessionStore) DeleteStale(ctx context.Context, idleBefore, now time.Time) ([]*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Session
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(idleBefore) || !now.Before(sess.ExpiresAt) {
			out = append(out, sess)
			s.deleteLocked(id)
		}
	}
	return out, nil
}

func (s *MemorySessionStore) deleteLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if ids := s.byUser[sess.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}

// oldestFirst picks the n least recently active sessions.
func oldestFirst(sessions []*core.Session, n int) []*core.Session {
	if n <= 0 {
		return nil
	}
	sorted := append([]*core.Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LastActivity.Equal(sorted[j].LastActivity) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].LastActivity.Before(sorted[j].LastActivity)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
