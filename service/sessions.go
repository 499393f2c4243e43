package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// SessionConfig bounds session lifetime and concurrency
type SessionConfig struct {
	MaxPerUser  int
	IdleTimeout time.Duration
	Lifetime    time.Duration
}

// DefaultSessionConfig allows five sessions per user, idle for at most 30 minutes.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxPerUser:  5,
		IdleTimeout: 30 * time.Minute,
		Lifetime:    24 * time.Hour,
	}
}

// SessionRevoker is told about every session that goes away so the tokens
// bound to it can be revoked.
type SessionRevoker interface {
	RevokeSession(ctx context.Context, sessionID, reason string) error
}

// SessionManager creates, validates and terminates sessions
type SessionManager struct {
	store   ports.SessionStore
	risk    *RiskScorer
	events  ports.EventPublisher
	revoker SessionRevoker
	clock   core.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     SessionConfig
}

// NewSessionManager creates a session manager
func NewSessionManager(
	store ports.SessionStore,
	risk *RiskScorer,
	events ports.EventPublisher,
	clock core.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg SessionConfig,
) *SessionManager {
	def := DefaultSessionConfig()
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = def.Lifetime
	}
	if risk == nil {
		risk = NewRiskScorer(DefaultRiskConfig())
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		store:   store,
		risk:    risk,
		events:  orNop(events),
		clock:   clock,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// WithRevoker registers the component that revokes tokens of ended sessions.
func (m *SessionManager) WithRevoker(r SessionRevoker) *SessionManager {
	m.revoker = r
	return m
}

// Create opens a session, evicting the user's least recently active
// sessions when the cap would be exceeded.
func (m *SessionManager) Create(ctx context.Context, in core.CreateSessionInput) (*core.Session, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("user id is required: %w", core.ErrInvalidPayload)
	}

	now := m.clock.Now()
	sess := &core.Session{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		UserType:     in.UserType,
		Role:         in.Role,
		UserLevel:    in.UserLevel,
		RegionID:     in.RegionID,
		Permissions:  append([]string{}, in.Permissions...),
		CreatedAt:    now,
		LastActivity: now,
		Context:      in.Context,
		ExpiresAt:    now.Add(m.cfg.Lifetime),
		MFAPending:   in.MFAPending,
	}

	evicted, err := m.store.Create(ctx, sess, m.cfg.MaxPerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.metrics.SessionCreated()

	if len(evicted) > 0 {
		m.metrics.SessionEvicted(len(evicted))
		for _, victim := range evicted {
			m.logger.Info("session evicted",
				zap.String("session_id", victim.ID),
				zap.String("user_id", victim.UserID),
				zap.Int("max_per_user", m.cfg.MaxPerUser),
			)
			m.ended(ctx, victim, core.ReasonSessionRevoked)
			m.publish(ctx, core.SecurityAlert{
				AlertType:  core.AlertSessionEvicted,
				Severity:   core.SeverityLow,
				Message:    "session evicted by concurrent session limit",
				UserID:     victim.UserID,
				SessionID:  victim.ID,
				DetectedAt: now,
			})
		}
	}
	return sess, nil
}

// Validate checks that a session is live and scores how anomalous client
// looks against it. Only operational failures are returned as errors.
func (m *SessionManager) Validate(ctx context.Context, sessionID string, client core.ClientContext) (*core.SessionValidation, error) {
	invalid := &core.SessionValidation{Valid: false, Alerts: []core.SecurityAlert{}}

	sess, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return invalid, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := m.clock.Now()
	if sess.IdleSince(now) > m.cfg.IdleTimeout || !now.Before(sess.ExpiresAt) {
		m.logger.Info("session expired",
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.Duration("idle", sess.IdleSince(now)),
		)
		if _, err := m.store.Delete(ctx, sess.ID); err == nil {
			m.metrics.SessionExpired(1)
			m.ended(ctx, sess, core.ReasonSessionRevoked)
		}
		return invalid, nil
	}
	if sess.MFAPending {
		m.logger.Info("session awaits second factor", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
		return invalid, nil
	}

	recent := append(trimBefore(sess.RecentActivity, now.Add(-m.risk.Window())), now)
	score, alerts := m.risk.Score(sess, client, recent, now)
	m.metrics.ObserveRisk(score)

	sess.LastActivity = now
	sess.RecentActivity = recent
	if err := m.store.Update(ctx, sess); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return invalid, nil
		}
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	for _, a := range alerts {
		m.logger.Warn("session risk signal",
			zap.String("alert_type", a.AlertType),
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.Float64("risk_score", score),
		)
		m.publish(ctx, a)
	}
	if alerts == nil {
		alerts = []core.SecurityAlert{}
	}

	return &core.SessionValidation{
		Valid:          true,
		Session:        sess,
		RiskScore:      score,
		Alerts:         alerts,
		RequiresStepUp: m.risk.RequiresStepUp(score),
	}, nil
}

// CompleteMFA clears the pending second factor of a live session and marks it active.
func (m *SessionManager) CompleteMFA(ctx context.Context, sessionID string) (*core.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if sess.IdleSince(now) > m.cfg.IdleTimeout || !now.Before(sess.ExpiresAt) {
		return nil, core.ErrSessionNotFound
	}

	sess.MFAPending = false
	sess.LastActivity = now
	if err := m.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session second factor completed", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
	return sess, nil
}

// Get returns a session without touching its activity
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	return m.store.Get(ctx, sessionID)
}

// Terminate ends a session explicitly
func (m *SessionManager) Terminate(ctx context.Context, sessionID string) (*core.Session, error) {
	sess, err := m.store.Delete(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.ended(ctx, sess, core.ReasonSessionRevoked)
	return sess, nil
}

// TerminateAllForUser ends every session of userID and reports how many were ended
func (m *SessionManager) TerminateAllForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate sessions: %w", err)
	}
	for _, sess := range sessions {
		m.ended(ctx, sess, core.ReasonSessionRevoked)
	}
	return len(sessions), nil
}

// ListForUser returns the live sessions of userID, most recently active first
func (m *SessionManager) ListForUser(ctx context.Context, userID string) ([]*core.Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// Sweep removes sessions that went idle or outlived their lifetime
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	stale, err := m.store.DeleteStale(ctx, now.Add(-m.cfg.IdleTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	for _, sess := range stale {
		m.ended(ctx, sess, core.ReasonSessionRevoked)
	}
	m.metrics.SessionExpired(len(stale))
	return len(stale), nil
}

// Run sweeps every interval until ctx is cancelled.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("stale sessions removed", zap.Int("count", n))
			}
		}
	}
}

func (m *SessionManager) ended(ctx context.Context, sess *core.Session, reason string) {
	if m.revoker == nil {
		return
	}
	if err := m.revoker.RevokeSession(ctx, sess.ID, reason); err != nil {
		m.logger.Error("failed to revoke session tokens", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (m *SessionManager) publish(ctx context.Context, alert core.SecurityAlert) {
	if err := m.events.PublishSecurityAlert(ctx, alert); err != nil {
		m.logger.Warn("failed to publish security alert", zap.Error(err))
	}
}

func trimBefore(times []time.Time, since time.Time) []time.Time {
	out := make([]time.Time, 0, len(times)+1)
	for _, t := range times {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	return out
}
