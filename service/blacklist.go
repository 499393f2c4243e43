package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

const defaultPruneInterval = time.Minute

// Blacklist tracks revoked token ids until their natural expiry
type Blacklist struct {
	store   ports.BlacklistStore
	clock   core.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	pruneInterval time.Duration
	pruneMu       sync.Mutex
	lastPrune     time.Time
}

// NewBlacklist creates a blacklist over store. pruneInterval <= 0 selects one minute.
func NewBlacklist(store ports.BlacklistStore, clock core.Clock, logger *zap.Logger, m *metrics.Metrics, pruneInterval time.Duration) *Blacklist {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pruneInterval <= 0 {
		pruneInterval = defaultPruneInterval
	}
	return &Blacklist{
		store:         store,
		clock:         clock,
		logger:        logger,
		metrics:       m,
		pruneInterval: pruneInterval,
	}
}

// Add blacklists tokenID until expiresAt. Re-adding an id is a no-op.
func (b *Blacklist) Add(ctx context.Context, tokenID, userID, reason string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}
	now := b.clock.Now()
	b.maybePrune(ctx, now)

	if !expiresAt.After(now) {
		// the token is already rejected as expired
		return nil
	}

	added, err := b.store.Add(ctx, core.BlacklistEntry{
		TokenID:   tokenID,
		UserID:    userID,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	if added {
		b.metrics.Blacklisted(reason)
		b.logger.Info("token blacklisted",
			zap.String("token_id", tokenID),
			zap.String("user_id", userID),
			zap.String("reason", reason),
		)
	}
	return nil
}

// Contains reports whether tokenID is blacklisted
func (b *Blacklist) Contains(ctx context.Context, tokenID string) (bool, error) {
	ok, err := b.store.Contains(ctx, tokenID, b.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if ok {
		b.metrics.BlacklistHit()
	}
	return ok, nil
}

// Stats lists the live entries
func (b *Blacklist) Stats(ctx context.Context) (core.BlacklistStats, error) {
	now := b.clock.Now()
	b.maybePrune(ctx, now)

	entries, err := b.store.Entries(ctx, now)
	if err != nil {
		return core.BlacklistStats{}, fmt.Errorf("failed to list blacklist: %w", err)
	}
	return core.BlacklistStats{Size: len(entries), Entries: entries}, nil
}

// Prune removes entries whose token has expired anyway
func (b *Blacklist) Prune(ctx context.Context) (int, error) {
	now := b.clock.Now()
	b.pruneMu.Lock()
	b.lastPrune = now
	b.pruneMu.Unlock()

	removed, err := b.store.Prune(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune blacklist: %w", err)
	}
	if removed > 0 {
		b.logger.Debug("blacklist pruned", zap.Int("removed", removed))
	}
	return removed, nil
}

func (b *Blacklist) maybePrune(ctx context.Context, now time.Time) {
	b.pruneMu.Lock()
	due := now.Sub(b.lastPrune) >= b.pruneInterval
	if due {
		b.lastPrune = now
	}
	b.pruneMu.Unlock()
	if !due {
		return
	}
	if _, err := b.store.Prune(ctx, now); err != nil {
		b.logger.Warn("blacklist prune failed", zap.Error(err))
	}
}
