package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/warden/adapters/hasher"
	"github.com/layer-3/warden/adapters/otp"
	"github.com/layer-3/warden/adapters/sealer"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	alerts  []core.SecurityAlert
	logouts []string
}

func (p *recordingPublisher) PublishLogout(_ context.Context, userID, sessionID, tokenID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, sessionID)
	return nil
}

func (p *recordingPublisher) PublishSecurityAlert(_ context.Context, alert core.SecurityAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *recordingPublisher) alertTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.alerts))
	for _, a := range p.alerts {
		out = append(out, a.AlertType)
	}
	return out
}

type harness struct {
	clock       *core.ManualClock
	tokenizer   *tokenizer.JWTTokenizer
	totp        *otp.TOTP
	events      *recordingPublisher
	credentials *store.MemoryCredentialStore
	refresh     *store.MemoryRefreshStore
	blacklist   *Blacklist
	rotation    *RotationEngine
	sessions    *SessionManager
	mfa         *MFAManager
	auth        *AuthService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	rotation RotationConfig
	sessions SessionConfig
	risk     RiskConfig
}

func withRotation(cfg RotationConfig) harnessOption {
	return func(c *harnessConfig) { c.rotation = cfg }
}

func withSessions(cfg SessionConfig) harnessOption {
	return func(c *harnessConfig) { c.sessions = cfg }
}

func withRisk(cfg RiskConfig) harnessOption {
	return func(c *harnessConfig) { c.risk = cfg }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		rotation: DefaultRotationConfig(),
		sessions: DefaultSessionConfig(),
		risk:     DefaultRiskConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := core.NewManualClock(testStart)
	logger := zaptest.NewLogger(t)
	m := metrics.New(nil)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok, err := tokenizer.NewJWTTokenizer(key, tokenizer.Config{Issuer: "warden-test", Clock: clock})
	require.NoError(t, err)

	totp, err := otp.NewTOTP(otp.Config{Issuer: "Warden"})
	require.NoError(t, err)
	sealKey := make([]byte, 32)
	_, err = rand.Read(sealKey)
	require.NoError(t, err)
	seal, err := sealer.NewXChaCha(sealKey)
	require.NoError(t, err)
	hash, err := hasher.NewArgon2(hasher.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	events := &recordingPublisher{}
	credentials := store.NewMemoryCredentialStore()
	refresh := store.NewMemoryRefreshStore()
	blacklist := NewBlacklist(store.NewMemoryBlacklist(), clock, logger, m, time.Minute)
	rotation := NewRotationEngine(tok, refresh, blacklist, events, clock, logger, m, cfg.rotation)
	sessions := NewSessionManager(store.NewMemorySessionStore(), NewRiskScorer(cfg.risk), events, clock, logger, m, cfg.sessions).
		WithRevoker(rotation)
	mfa := NewMFAManager(store.NewMemoryMFAStore(), totp, seal, clock, logger, m, MFAConfig{})

	auth := NewAuthService(AuthDeps{
		Tokenizer:   tok,
		Hasher:      hash,
		Credentials: credentials,
		Blacklist:   blacklist,
		Rotation:    rotation,
		Sessions:    sessions,
		MFA:         mfa,
		Events:      events,
		Clock:       clock,
		Logger:      logger,
		Metrics:     m,
	})

	return &harness{
		clock:       clock,
		tokenizer:   tok,
		totp:        totp,
		events:      events,
		credentials: credentials,
		refresh:     refresh,
		blacklist:   blacklist,
		rotation:    rotation,
		sessions:    sessions,
		mfa:         mfa,
		auth:        auth,
	}
}

func opsManager() core.TokenPayload {
	return core.TokenPayload{
		UserID:      "u1",
		UserType:    "staff",
		Role:        "ops_manager",
		Permissions: []string{"drivers:read"},
		SessionID:   "s1",
	}
}
