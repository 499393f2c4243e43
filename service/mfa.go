package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
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

const (
	DefaultChallengeTTL = 5 * time.Minute
	backupCodeCount     = 10
	backupCodeLength    = 10
)

// backupAlphabet avoids characters that are easy to misread.
const backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// MFAConfig tunes the MFA manager
type MFAConfig struct {
	ChallengeTTL time.Duration
}

// MFAManager enrolls second factors and runs one-shot challenges
type MFAManager struct {
	store   ports.MFAStore
	otp     ports.OTPProvider
	sealer  ports.SecretSealer
	clock   core.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     MFAConfig
}

// NewMFAManager creates an MFA manager
func NewMFAManager(
	store ports.MFAStore,
	otp ports.OTPProvider,
	sealer ports.SecretSealer,
	clock core.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg MFAConfig,
) *MFAManager {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MFAManager{
		store:   store,
		otp:     otp,
		sealer:  sealer,
		clock:   clock,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// Setup enrolls a TOTP secret and a fresh set of backup codes. The method
// stays pending until Confirm sees a valid code. The secret and codes are
// only ever returned here.
func (m *MFAManager) Setup(ctx context.Context, req core.SetupRequest) (*core.SetupResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("user id is required: %w", core.ErrInvalidPayload)
	}
	method := req.Method
	if method == "" {
		method = core.MFAMethodTOTP
	}
	if method != core.MFAMethodTOTP {
		return nil, core.ErrUnsupportedMFAMethod
	}
	account := req.AccountName
	if account == "" {
		account = req.UserID
	}

	secret, uri, err := m.otp.Generate(account)
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	sealed, err := m.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}
	codes, hashed, err := newBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	now := m.clock.Now()
	_, err = m.store.UpdateState(ctx, req.UserID, func(state *core.MFAState) error {
		if existing := state.Method(core.MFAMethodTOTP); existing != nil {
			if existing.Enabled {
				return core.ErrMFAAlreadyEnabled
			}
			*existing = core.MFAMethod{Type: core.MFAMethodTOTP, SealedSecret: sealed, CreatedAt: now}
		} else {
			state.Methods = append(state.Methods, core.MFAMethod{Type: core.MFAMethodTOTP, SealedSecret: sealed, CreatedAt: now})
		}
		state.BackupCodes = hashed
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("mfa enrollment started", zap.String("user_id", req.UserID), zap.String("method", method))
	return &core.SetupResult{
		Success:     true,
		Method:      method,
		Secret:      secret,
		QRCodeURL:   uri,
		BackupCodes: codes,
	}, nil
}

// Confirm enables a pending TOTP enrollment once the user proves possession
// of the secret.
func (m *MFAManager) Confirm(ctx context.Context, userID, code string) (bool, error) {
	now := m.clock.Now()
	_, err := m.store.UpdateState(ctx, userID, func(state *core.MFAState) error {
		method := state.Method(core.MFAMethodTOTP)
		if method == nil {
			return core.ErrMFANotEnrolled
		}
		step, ok, err := m.checkTOTP(method, code, now)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrInvalidCode
		}
		method.Enabled = true
		method.LastUsedStep = step
		state.Enabled = true
		return nil
	})
	switch {
	case err == nil:
		m.logger.Info("mfa enabled", zap.String("user_id", userID))
		return true, nil
	case errors.Is(err, core.ErrInvalidCode):
		return false, nil
	default:
		return false, err
	}
}

// CreateChallenge opens a short-lived challenge for an enrolled method
func (m *MFAManager) CreateChallenge(ctx context.Context, req core.ChallengeRequest) (*core.ChallengeResult, error) {
	method := req.Method
	if method == "" {
		method = core.MFAMethodTOTP
	}
	action := req.Action
	if action == "" {
		action = core.ActionLogin
	}

	state, err := m.store.GetState(ctx, req.UserID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrMFANotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mfa state: %w", err)
	}

	switch method {
	case core.MFAMethodTOTP:
		if mt := state.Method(core.MFAMethodTOTP); mt == nil || !mt.Enabled {
			return nil, core.ErrMFANotEnrolled
		}
	case core.MFAMethodBackupCode:
		if !state.Enabled || state.BackupCodesRemaining() == 0 {
			return nil, core.ErrMFANotEnrolled
		}
	default:
		return nil, core.ErrUnsupportedMFAMethod
	}

	now := m.clock.Now()
	ch := &core.Challenge{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Method:    method,
		Action:    action,
		SessionID: req.SessionID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.ChallengeTTL),
	}
	if err := m.store.SaveChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to save challenge: %w", err)
	}

	return &core.ChallengeResult{
		Success:     true,
		ChallengeID: ch.ID,
		ExpiresAt:   ch.ExpiresAt,
		Method:      method,
	}, nil
}

// VerifyChallenge consumes the challenge and checks code against the user's
// TOTP secret, then against unused backup codes. The challenge is spent even
// when the code is wrong. Returned errors are core sentinels describing why
// verification failed, or operational failures.
func (m *MFAManager) VerifyChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	if _, err := m.Verify(ctx, challengeID, code); err != nil {
		return false, err
	}
	return true, nil
}

// Verify is VerifyChallenge returning the answered challenge, so callers can
// act on what it was bound to.
func (m *MFAManager) Verify(ctx context.Context, challengeID, code string) (*core.Challenge, error) {
	ch, err := m.store.ConsumeChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if !now.Before(ch.ExpiresAt) {
		m.metrics.MFAVerification(ch.Method, false)
		return nil, core.ErrChallengeExpired
	}

	var used string
	_, err = m.store.UpdateState(ctx, ch.UserID, func(state *core.MFAState) error {
		if method := state.Method(core.MFAMethodTOTP); method != nil && method.Enabled {
			step, ok, err := m.checkTOTP(method, code, now)
			if err != nil {
				return err
			}
			if ok {
				method.LastUsedStep = step
				used = core.MFAMethodTOTP
				return nil
			}
		}
		if state.Enabled && consumeBackupCode(state, code, now) {
			used = core.MFAMethodBackupCode
			return nil
		}
		return core.ErrInvalidCode
	})
	if err != nil {
		m.metrics.MFAVerification(ch.Method, false)
		m.logger.Warn("mfa verification failed",
			zap.String("user_id", ch.UserID),
			zap.String("challenge_id", ch.ID),
			zap.String("action", ch.Action),
			zap.Error(err),
		)
		return nil, err
	}

	m.metrics.MFAVerification(used, true)
	m.logger.Info("mfa challenge verified",
		zap.String("user_id", ch.UserID),
		zap.String("method", used),
		zap.String("action", ch.Action),
	)
	return ch, nil
}

// Status summarizes a user's enrollment
func (m *MFAManager) Status(ctx context.Context, userID string) (*core.MFAStatus, error) {
	state, err := m.store.GetState(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return &core.MFAStatus{Methods: []core.MFAMethodStatus{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mfa state: %w", err)
	}

	methods := make([]core.MFAMethodStatus, 0, len(state.Methods))
	for _, mt := range state.Methods {
		methods = append(methods, core.MFAMethodStatus{Type: mt.Type, Enabled: mt.Enabled, CreatedAt: mt.CreatedAt})
	}
	return &core.MFAStatus{
		Enabled:              state.Enabled,
		Methods:              methods,
		BackupCodesRemaining: state.BackupCodesRemaining(),
	}, nil
}

// RequiresMFA reports whether the user has at least one enabled method
func (m *MFAManager) RequiresMFA(ctx context.Context, userID string) (bool, error) {
	state, err := m.store.GetState(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load mfa state: %w", err)
	}
	for _, mt := range state.Methods {
		if mt.Enabled {
			return true, nil
		}
	}
	return false, nil
}

// Disable removes every enrolled method and backup code
func (m *MFAManager) Disable(ctx context.Context, userID string) error {
	if err := m.store.DeleteState(ctx, userID); err != nil {
		return fmt.Errorf("failed to disable mfa: %w", err)
	}
	m.logger.Info("mfa disabled", zap.String("user_id", userID))
	return nil
}

// RegenerateBackupCodes replaces all backup codes of an enabled user
func (m *MFAManager) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, hashed, err := newBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	_, err = m.store.UpdateState(ctx, userID, func(state *core.MFAState) error {
		if !state.Enabled {
			return core.ErrMFANotEnrolled
		}
		state.BackupCodes = hashed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// PruneChallenges drops expired challenges
func (m *MFAManager) PruneChallenges(ctx context.Context) (int, error) {
	return m.store.PruneChallenges(ctx, m.clock.Now())
}

// checkTOTP validates code and rejects steps at or before the last one used.
func (m *MFAManager) checkTOTP(method *core.MFAMethod, code string, now time.Time) (int64, bool, error) {
	secret, err := m.sealer.Open(method.SealedSecret)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open totp secret: %w", err)
	}
	step, ok := m.otp.Validate(code, secret, now)
	if !ok || step <= method.LastUsedStep {
		return 0, false, nil
	}
	return step, true, nil
}

func consumeBackupCode(state *core.MFAState, code string, now time.Time) bool {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return false
	}
	sum := hashBackupCode(normalized)
	for i := range state.BackupCodes {
		bc := &state.BackupCodes[i]
		if bc.Used {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(bc.CodeHash), []byte(sum)) == 1 {
			usedAt := now
			bc.Used = true
			bc.UsedAt = &usedAt
			return true
		}
	}
	return false
}

func newBackupCodes() ([]string, []core.BackupCode, error) {
	codes := make([]string, 0, backupCodeCount)
	hashed := make([]core.BackupCode, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw, err := randomCode(backupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		code := raw[:backupCodeLength/2] + "-" + raw[backupCodeLength/2:]
		codes = append(codes, code)
		hashed = append(hashed, core.BackupCode{CodeHash: hashBackupCode(normalizeBackupCode(code))})
	}
	return codes, hashed, nil
}

// randomCode draws n characters from backupAlphabet, rejecting bytes that
// would bias the distribution.
func randomCode(n int) (string, error) {
	limit := 256 - 256%len(backupAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, backupAlphabet[int(b)%len(backupAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func hashBackupCode(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
