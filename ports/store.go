package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// BlacklistStore persists revoked token ids until their natural expiry
type BlacklistStore interface {
	// Add stores entry unless the id is already present. It reports whether a new entry was written.
	Add(ctx context.Context, entry core.BlacklistEntry) (bool, error)
	Contains(ctx context.Context, tokenID string, now time.Time) (bool, error)
	Entries(ctx context.Context, now time.Time) ([]core.BlacklistEntry, error)
	// Prune drops entries that expired before now and returns how many were removed.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// RefreshStore persists refresh token records and their rotation families
type RefreshStore interface {
	Save(ctx context.Context, rec *core.RefreshRecord) error
	// Get returns core.ErrNotFound for unknown ids.
	Get(ctx context.Context, tokenID string) (*core.RefreshRecord, error)
	// MarkConsumed retires tokenID and saves c.Next in one linearizable step.
	// A record that was already consumed is returned together with core.ErrTokenConsumed;
	// a revoked family yields core.ErrFamilyRevoked.
	MarkConsumed(ctx context.Context, tokenID string, c core.Consumption) (*core.RefreshRecord, error)
	// RevokeFamily marks every record of familyID revoked and returns them.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) ([]*core.RefreshRecord, error)
	// RevokeSession revokes every family issued for sessionID.
	RevokeSession(ctx context.Context, sessionID string, at time.Time) ([]*core.RefreshRecord, error)
	// PruneExpired drops records whose token expired before now and returns how many went.
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionStore owns sessions. Create enforces the per-user cap atomically.
type SessionStore interface {
	// Create saves s, evicting the least recently active sessions of the same
	// user so that at most maxPerUser remain. Evicted sessions are returned.
	Create(ctx context.Context, s *core.Session, maxPerUser int) ([]*core.Session, error)
	// Get returns core.ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*core.Session, error)
	// Update overwrites an existing session; it never resurrects a deleted one.
	Update(ctx context.Context, s *core.Session) error
	Delete(ctx context.Context, id string) (*core.Session, error)
	DeleteByUser(ctx context.Context, userID string) ([]*core.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*core.Session, error)
	// DeleteStale removes sessions idle since before idleBefore or expired before now.
	DeleteStale(ctx context.Context, idleBefore, now time.Time) ([]*core.Session, error)
}

// MFAStore owns MFA state and challenges
type MFAStore interface {
	// GetState returns core.ErrNotFound when the user never enrolled.
	GetState(ctx context.Context, userID string) (*core.MFAState, error)
	// UpdateState applies fn to the user's state atomically. fn receives an empty
	// state for unknown users; returning an error aborts the write.
	UpdateState(ctx context.Context, userID string, fn func(*core.MFAState) error) (*core.MFAState, error)
	DeleteState(ctx context.Context, userID string) error
	SaveChallenge(ctx context.Context, ch *core.Challenge) error
	// ConsumeChallenge flips a challenge to consumed and returns it as it was before.
	// Unknown ids yield core.ErrChallengeNotFound, repeated calls core.ErrChallengeConsumed.
	ConsumeChallenge(ctx context.Context, id string) (*core.Challenge, error)
	PruneChallenges(ctx context.Context, now time.Time) (int, error)
}

// CredentialStore holds password hashes by user id
type CredentialStore interface {
	// GetPasswordHash returns core.ErrNotFound for users without a password.
	GetPasswordHash(ctx context.Context, userID string) (string, error)
	SetPasswordHash(ctx context.Context, userID, hash string) error
	DeletePasswordHash(ctx context.Context, userID string) error
}
