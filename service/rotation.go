package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// DefaultGraceWindow is how long a consumed refresh token keeps resolving to
// the pair it was exchanged for.
const DefaultGraceWindow = 5 * time.Second

// RotationConfig controls refresh token rotation
type RotationConfig struct {
	// Rotate enables single-use refresh tokens. When false a refresh token is
	// never consumed and only a new access token is minted on exchange.
	Rotate      bool
	GraceWindow time.Duration
}

// DefaultRotationConfig rotates on every exchange with a five second grace window.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{Rotate: true, GraceWindow: DefaultGraceWindow}
}

// RotationEngine issues token pairs and exchanges refresh tokens, detecting reuse
type RotationEngine struct {
	tokenizer ports.Tokenizer
	store     ports.RefreshStore
	blacklist *Blacklist
	events    ports.EventPublisher
	clock     core.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	cfg       RotationConfig
}

// NewRotationEngine creates a rotation engine
func NewRotationEngine(
	tokenizer ports.Tokenizer,
	store ports.RefreshStore,
	blacklist *Blacklist,
	events ports.EventPublisher,
	clock core.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg RotationConfig,
) *RotationEngine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	}
	return &RotationEngine{
		tokenizer: tokenizer,
		store:     store,
		blacklist: blacklist,
		events:    orNop(events),
		clock:     clock,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
	}
}

// Issue mints a fresh access and refresh token starting a new family
func (e *RotationEngine) Issue(ctx context.Context, payload core.TokenPayload, client core.ClientContext) (*core.TokenPair, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	pair, rec, err := e.mintPair(core.ClaimsFromPayload(payload), uuid.New().String(), client)
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save refresh record: %w", err)
	}
	return pair, nil
}

// Rotate exchanges a refresh token for a new pair. Security failures are
// returned as core.ErrInvalidToken, core.ErrTokenBlacklisted,
// core.ErrFamilyRevoked or core.ErrTokenReused.
func (e *RotationEngine) Rotate(ctx context.Context, refreshToken string, client core.ClientContext) (*core.TokenPair, error) {
	claims, err := e.tokenizer.Parse(refreshToken, core.TokenKindRefresh)
	if err != nil {
		e.metrics.Rotation("invalid")
		return nil, err
	}

	blacklisted, err := e.blacklist.Contains(ctx, claims.TokenID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		e.metrics.Rotation("blacklisted")
		return nil, core.ErrTokenBlacklisted
	}

	rec, err := e.store.Get(ctx, claims.TokenID)
	if errors.Is(err, core.ErrNotFound) {
		e.metrics.Rotation("unknown")
		return nil, fmt.Errorf("refresh record not found: %w", core.ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh record: %w", err)
	}
	if rec.RevokedAt != nil {
		e.metrics.Rotation("revoked")
		return nil, core.ErrFamilyRevoked
	}

	if !e.cfg.Rotate {
		return e.reissueAccess(ctx, *claims, rec, refreshToken, client)
	}

	now := e.clock.Now()
	if rec.ConsumedAt != nil {
		return e.resolveConsumed(ctx, rec, now)
	}

	pair, next, err := e.mintPair(*claims, rec.FamilyID, client)
	if err != nil {
		return nil, err
	}

	consumed, err := e.store.MarkConsumed(ctx, rec.TokenID, core.Consumption{
		At:          now,
		Next:        next,
		Replacement: *pair,
		GraceWindow: e.cfg.GraceWindow,
	})
	switch {
	case err == nil:
		e.metrics.Rotation("rotated")
		return pair, nil
	case errors.Is(err, core.ErrTokenConsumed):
		return e.resolveConsumed(ctx, consumed, now)
	case errors.Is(err, core.ErrFamilyRevoked):
		e.metrics.Rotation("revoked")
		return nil, core.ErrFamilyRevoked
	case errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("refresh record vanished: %w", core.ErrInvalidToken)
	default:
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
}

// RevokeSession revokes every refresh family issued for sessionID and
// blacklists all of their token ids.
func (e *RotationEngine) RevokeSession(ctx context.Context, sessionID, reason string) error {
	recs, err := e.store.RevokeSession(ctx, sessionID, e.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	return e.blacklistRecords(ctx, recs, reason)
}

// PruneExpired drops refresh records whose token can no longer be presented
func (e *RotationEngine) PruneExpired(ctx context.Context) (int, error) {
	n, err := e.store.PruneExpired(ctx, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to prune refresh records: %w", err)
	}
	return n, nil
}

// resolveConsumed handles a refresh token that has already been exchanged.
// A retry inside the grace window gets the pair it already produced, as long
// as that pair is still live; anything else is treated as theft.
func (e *RotationEngine) resolveConsumed(ctx context.Context, rec *core.RefreshRecord, now time.Time) (*core.TokenPair, error) {
	if rec.Replacement != nil && rec.ConsumedAt != nil && now.Sub(*rec.ConsumedAt) <= e.cfg.GraceWindow {
		next, err := e.store.Get(ctx, rec.ReplacedByTokenID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("failed to load replacement record: %w", err)
		}
		if err == nil && next.Active(now) {
			blacklisted, err := e.blacklist.Contains(ctx, next.TokenID)
			if err != nil {
				return nil, err
			}
			if !blacklisted {
				e.metrics.Rotation("grace_retry")
				pair := *rec.Replacement
				return &pair, nil
			}
		}
	}

	e.metrics.Rotation("reused")
	e.metrics.ReuseDetected()
	e.logger.Warn("refresh token reuse detected",
		zap.String("token_id", rec.TokenID),
		zap.String("family_id", rec.FamilyID),
		zap.String("user_id", rec.UserID),
		zap.String("session_id", rec.SessionID),
	)

	recs, err := e.store.RevokeFamily(ctx, rec.FamilyID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token family: %w", err)
	}
	if err := e.blacklistRecords(ctx, recs, core.ReasonTokenReuse); err != nil {
		return nil, err
	}

	alert := core.SecurityAlert{
		AlertType:  core.AlertTokenReuse,
		Severity:   core.SeverityHigh,
		Message:    "consumed refresh token presented again; token family revoked",
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		DetectedAt: now,
	}
	if err := e.events.PublishSecurityAlert(ctx, alert); err != nil {
		e.logger.Warn("failed to publish security alert", zap.Error(err))
	}
	return nil, core.ErrTokenReused
}

// reissueAccess serves exchanges when rotation is disabled. The refresh token
// is handed back unchanged and its record tracks the newest access token.
func (e *RotationEngine) reissueAccess(ctx context.Context, claims core.Claims, rec *core.RefreshRecord, refreshToken string, client core.ClientContext) (*core.TokenPair, error) {
	access, minted, err := e.tokenizer.Mint(core.ClaimsFromPayload(claims.Payload()), core.TokenKindAccess, client)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	e.metrics.TokenIssued(string(core.TokenKindAccess))

	rec.AccessTokenID = minted.TokenID
	rec.AccessExpiresAt = minted.ExpiresAt
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save refresh record: %w", err)
	}

	e.metrics.Rotation("access_only")
	return &core.TokenPair{
		AccessToken:    access,
		RefreshToken:   refreshToken,
		ExpiresIn:      expiresIn(minted),
		AccessTokenID:  minted.TokenID,
		RefreshTokenID: claims.TokenID,
	}, nil
}

func (e *RotationEngine) mintPair(claims core.Claims, familyID string, client core.ClientContext) (*core.TokenPair, *core.RefreshRecord, error) {
	base := core.ClaimsFromPayload(claims.Payload())

	access, accessClaims, err := e.tokenizer.Mint(base, core.TokenKindAccess, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	refresh, refreshClaims, err := e.tokenizer.Mint(base, core.TokenKindRefresh, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}
	e.metrics.TokenIssued(string(core.TokenKindAccess))
	e.metrics.TokenIssued(string(core.TokenKindRefresh))

	rec := &core.RefreshRecord{
		TokenID:         refreshClaims.TokenID,
		UserID:          refreshClaims.UserID,
		SessionID:       refreshClaims.SessionID,
		FamilyID:        familyID,
		IssuedAt:        refreshClaims.IssuedAt,
		ExpiresAt:       refreshClaims.ExpiresAt,
		AccessTokenID:   accessClaims.TokenID,
		AccessExpiresAt: accessClaims.ExpiresAt,
	}
	pair := &core.TokenPair{
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresIn:      expiresIn(accessClaims),
		AccessTokenID:  accessClaims.TokenID,
		RefreshTokenID: refreshClaims.TokenID,
	}
	return pair, rec, nil
}

func (e *RotationEngine) blacklistRecords(ctx context.Context, recs []*core.RefreshRecord, reason string) error {
	for _, rec := range recs {
		if err := e.blacklist.Add(ctx, rec.TokenID, rec.UserID, reason, rec.ExpiresAt); err != nil {
			return err
		}
		if err := e.blacklist.Add(ctx, rec.AccessTokenID, rec.UserID, reason, rec.AccessExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

func expiresIn(c core.Claims) int64 {
	return int64(c.ExpiresAt.Sub(c.IssuedAt) / time.Second)
}
