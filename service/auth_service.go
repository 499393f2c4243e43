package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// ValidateOptions tunes ValidateAccessToken
type ValidateOptions struct {
	CheckBlacklist bool
	// Client, when set, is compared against the context the token was issued to.
	Client *core.ClientContext
}

// AccessTokenValidation is the outcome of ValidateAccessToken. A context
// mismatch is a risk signal and does not make the token invalid.
type AccessTokenValidation struct {
	Valid           bool         `json:"valid"`
	Payload         *core.Claims `json:"payload,omitempty"`
	Blacklisted     bool         `json:"blacklisted,omitempty"`
	ContextMismatch bool         `json:"contextMismatch,omitempty"`
}

// LoginRequest carries an already-resolved user and the password they typed.
// The stored hash is looked up by UserID.
type LoginRequest struct {
	UserID      string             `json:"userId"`
	UserType    string             `json:"userType"`
	Role        string             `json:"role"`
	UserLevel   int                `json:"userLevel"`
	RegionID    string             `json:"regionId,omitempty"`
	Permissions []string           `json:"permissions"`
	Password    string             `json:"password"`
	Context     core.ClientContext `json:"context"`
}

// LoginResult is returned by a successful Login. While MFARequired is set
// Tokens is nil; CompleteMFALogin issues them once ChallengeID is answered.
type LoginResult struct {
	Session     *core.Session   `json:"session"`
	Tokens      *core.TokenPair `json:"tokens,omitempty"`
	MFARequired bool            `json:"mfaRequired"`
	ChallengeID string          `json:"challengeId,omitempty"`
}

// AuthService is the single entry point for callers. Every rejected
// credential is reported as core.ErrUnauthenticated, false or Valid=false;
// only operational failures surface as other errors.
type AuthService struct {
	tokenizer   ports.Tokenizer
	hasher      ports.PasswordHasher
	credentials ports.CredentialStore
	blacklist   *Blacklist
	rotation    *RotationEngine
	sessions    *SessionManager
	mfa         *MFAManager
	events      ports.EventPublisher
	clock       core.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// AuthDeps lists the collaborators of AuthService
type AuthDeps struct {
	Tokenizer   ports.Tokenizer
	Hasher      ports.PasswordHasher
	Credentials ports.CredentialStore
	Blacklist   *Blacklist
	Rotation    *RotationEngine
	Sessions    *SessionManager
	MFA         *MFAManager
	Events      ports.EventPublisher
	Clock       core.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// NewAuthService creates a new authentication service
func NewAuthService(deps AuthDeps) *AuthService {
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &AuthService{
		tokenizer:   deps.Tokenizer,
		hasher:      deps.Hasher,
		credentials: deps.Credentials,
		blacklist:   deps.Blacklist,
		rotation:    deps.Rotation,
		sessions:    deps.Sessions,
		mfa:         deps.MFA,
		events:      orNop(deps.Events),
		clock:       deps.Clock,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}
}

// GenerateTokens mints an access and refresh token for payload
func (s *AuthService) GenerateTokens(ctx context.Context, payload core.TokenPayload) (*core.TokenPair, error) {
	return s.rotation.Issue(ctx, payload, core.ClientContext{})
}

// VerifyToken returns the claims of a valid, non-blacklisted access token
func (s *AuthService) VerifyToken(ctx context.Context, token string) (*core.Claims, error) {
	res, err := s.ValidateAccessToken(ctx, token, ValidateOptions{CheckBlacklist: true})
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, core.ErrUnauthenticated
	}
	return res.Payload, nil
}

// ValidateAccessToken verifies token and, when asked, consults the
// blacklist. A blacklisted token is reported with Blacklisted set.
func (s *AuthService) ValidateAccessToken(ctx context.Context, token string, opts ValidateOptions) (*AccessTokenValidation, error) {
	claims, err := s.tokenizer.Parse(token, core.TokenKindAccess)
	if err != nil {
		s.metrics.ValidationFailed("invalid")
		s.logger.Debug("access token rejected", zap.Error(err))
		return &AccessTokenValidation{Valid: false}, nil
	}
	if opts.CheckBlacklist {
		blacklisted, err := s.blacklist.Contains(ctx, claims.TokenID)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			s.metrics.ValidationFailed("blacklisted")
			s.logger.Info("blacklisted access token presented",
				zap.String("token_id", claims.TokenID),
				zap.String("user_id", claims.UserID),
			)
			return &AccessTokenValidation{Valid: false, Blacklisted: true}, nil
		}
	}

	res := &AccessTokenValidation{Valid: true, Payload: claims}
	if opts.Client != nil && !s.tokenizer.MatchesContext(claims, *opts.Client) {
		res.ContextMismatch = true
		s.logger.Warn("access token presented from another context",
			zap.String("token_id", claims.TokenID),
			zap.String("user_id", claims.UserID),
			zap.String("ip", opts.Client.IPAddress),
		)
	}
	return res, nil
}

// RefreshToken exchanges a refresh token for a new pair
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*core.TokenPair, error) {
	return s.RefreshTokenFrom(ctx, refreshToken, core.ClientContext{})
}

// RefreshTokenFrom is RefreshToken with the caller's context bound into the new fingerprints
func (s *AuthService) RefreshTokenFrom(ctx context.Context, refreshToken string, client core.ClientContext) (*core.TokenPair, error) {
	pair, err := s.rotation.Rotate(ctx, refreshToken, client)
	if err != nil {
		return nil, s.collapse("refresh", err)
	}
	return pair, nil
}

// Logout terminates the session, revokes its refresh families and blacklists
// tokenID when given.
func (s *AuthService) Logout(ctx context.Context, sessionID, tokenID string) error {
	var userID string
	sess, err := s.sessions.Terminate(ctx, sessionID)
	switch {
	case err == nil:
		userID = sess.UserID
	case errors.Is(err, core.ErrSessionNotFound):
		// already gone; still revoke whatever tokens reference it
	default:
		return fmt.Errorf("failed to terminate session: %w", err)
	}

	if err := s.rotation.RevokeSession(ctx, sessionID, core.ReasonLogout); err != nil {
		return err
	}
	if tokenID != "" {
		expiresAt := s.clock.Now().Add(s.tokenizer.AccessTTL())
		if err := s.blacklist.Add(ctx, tokenID, userID, core.ReasonLogout, expiresAt); err != nil {
			return err
		}
	}

	if err := s.events.PublishLogout(ctx, userID, sessionID, tokenID); err != nil {
		// The tokens are already revoked in the store, which is the critical part
		s.logger.Warn("failed to publish logout event", zap.Error(err))
	}
	return nil
}

// BlacklistToken revokes a single token id until the longest token lifetime passes
func (s *AuthService) BlacklistToken(ctx context.Context, tokenID, userID string) error {
	expiresAt := s.clock.Now().Add(s.tokenizer.RefreshTTL())
	return s.blacklist.Add(ctx, tokenID, userID, core.ReasonManual, expiresAt)
}

// IsTokenBlacklisted reports whether tokenID is blacklisted
func (s *AuthService) IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	return s.blacklist.Contains(ctx, tokenID)
}

// GetBlacklistStats lists the live blacklist
func (s *AuthService) GetBlacklistStats(ctx context.Context) (core.BlacklistStats, error) {
	return s.blacklist.Stats(ctx)
}

// CreateSession opens a session
func (s *AuthService) CreateSession(ctx context.Context, in core.CreateSessionInput) (*core.Session, error) {
	return s.sessions.Create(ctx, in)
}

// ValidateSession validates a session and scores the request context
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string, client core.ClientContext) (*core.SessionValidation, error) {
	return s.sessions.Validate(ctx, sessionID, client)
}

// TerminateSession ends a session and revokes its tokens
func (s *AuthService) TerminateSession(ctx context.Context, sessionID string) error {
	_, err := s.sessions.Terminate(ctx, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return nil
	}
	return err
}

// ListSessions returns the live sessions of userID
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*core.Session, error) {
	return s.sessions.ListForUser(ctx, userID)
}

// SetupMFA starts MFA enrollment
func (s *AuthService) SetupMFA(ctx context.Context, req core.SetupRequest) (*core.SetupResult, error) {
	return s.mfa.Setup(ctx, req)
}

// ConfirmMFA enables a pending enrollment
func (s *AuthService) ConfirmMFA(ctx context.Context, userID, code string) (bool, error) {
	ok, err := s.mfa.Confirm(ctx, userID, code)
	if errors.Is(err, core.ErrMFANotEnrolled) {
		return false, nil
	}
	return ok, err
}

// DisableMFA removes every second factor of userID
func (s *AuthService) DisableMFA(ctx context.Context, userID string) error {
	return s.mfa.Disable(ctx, userID)
}

// RegenerateBackupCodes replaces the backup codes of an enrolled user
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	return s.mfa.RegenerateBackupCodes(ctx, userID)
}

// CreateMFAChallenge issues a challenge for an enrolled method
func (s *AuthService) CreateMFAChallenge(ctx context.Context, req core.ChallengeRequest) (*core.ChallengeResult, error) {
	return s.mfa.CreateChallenge(ctx, req)
}

// VerifyMFAChallenge reports whether code answers the challenge
func (s *AuthService) VerifyMFAChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	ok, err := s.mfa.VerifyChallenge(ctx, challengeID, code)
	if err != nil {
		if isSecurityFailure(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// GetMFAStatus summarizes a user's MFA enrollment
func (s *AuthService) GetMFAStatus(ctx context.Context, userID string) (*core.MFAStatus, error) {
	return s.mfa.Status(ctx, userID)
}

// RequiresMFA reports whether the user must pass a second factor
func (s *AuthService) RequiresMFA(ctx context.Context, userID string) (bool, error) {
	return s.mfa.RequiresMFA(ctx, userID)
}

// HashPassword hashes a password for storage
func (s *AuthService) HashPassword(password string) (string, error) {
	return s.hasher.Hash(password)
}

// VerifyPassword checks password against a stored hash
func (s *AuthService) VerifyPassword(password, hash string) bool {
	return s.hasher.Verify(password, hash)
}

// SetPassword hashes password and stores it as userID's credential
func (s *AuthService) SetPassword(ctx context.Context, userID, password string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required: %w", core.ErrInvalidPayload)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	if err := s.credentials.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	s.logger.Info("password set", zap.String("user_id", userID))
	return nil
}

// HasPermission reports whether user holds perm
func (s *AuthService) HasPermission(user *core.Claims, perm string) bool {
	return user != nil && user.HasPermission(perm)
}

// HasRegionalAccess reports whether user may act in regionID
func (s *AuthService) HasRegionalAccess(user *core.Claims, regionID string) bool {
	return user != nil && user.HasRegionalAccess(regionID)
}

// Login checks the password against the stored credential and opens a
// session. Users with MFA enabled get a pending session and a login challenge
// instead of tokens.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	identity := core.TokenPayload{
		UserID:      req.UserID,
		UserType:    req.UserType,
		Role:        req.Role,
		RegionID:    req.RegionID,
		Permissions: req.Permissions,
	}
	if err := identity.ValidateIdentity(); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	ok, err := s.checkPassword(ctx, req.UserID, req.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("login rejected", zap.String("user_id", req.UserID))
		return nil, core.ErrUnauthenticated
	}

	required, err := s.mfa.RequiresMFA(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, core.CreateSessionInput{
		UserID:      req.UserID,
		UserType:    req.UserType,
		Role:        req.Role,
		UserLevel:   req.UserLevel,
		RegionID:    req.RegionID,
		Permissions: req.Permissions,
		Context:     req.Context,
		MFAPending:  required,
	})
	if err != nil {
		return nil, err
	}

	res := &LoginResult{Session: sess, MFARequired: required}
	if required {
		ch, err := s.mfa.CreateChallenge(ctx, core.ChallengeRequest{
			UserID:    req.UserID,
			Action:    core.ActionLogin,
			SessionID: sess.ID,
			IPAddress: req.Context.IPAddress,
			UserAgent: req.Context.UserAgent,
		})
		if err != nil {
			s.abandon(ctx, sess.ID)
			return nil, err
		}
		res.ChallengeID = ch.ChallengeID
	} else {
		res.Tokens, err = s.rotation.Issue(ctx, sess.TokenPayload(), req.Context)
		if err != nil {
			s.abandon(ctx, sess.ID)
			return nil, err
		}
	}

	s.logger.Info("login succeeded",
		zap.String("user_id", req.UserID),
		zap.String("session_id", sess.ID),
		zap.Bool("mfa_required", required),
	)
	return res, nil
}

// CompleteMFALogin answers the challenge of a pending login and issues the
// session's tokens. Any failure, including a challenge not created by Login,
// is core.ErrUnauthenticated.
func (s *AuthService) CompleteMFALogin(ctx context.Context, challengeID, code string, client core.ClientContext) (*LoginResult, error) {
	ch, err := s.mfa.Verify(ctx, challengeID, code)
	if err != nil {
		return nil, s.collapse("mfa login", err)
	}
	if ch.Action != core.ActionLogin || ch.SessionID == "" {
		s.logger.Warn("challenge is not bound to a login", zap.String("challenge_id", ch.ID), zap.String("user_id", ch.UserID))
		return nil, core.ErrUnauthenticated
	}

	sess, err := s.sessions.CompleteMFA(ctx, ch.SessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return nil, core.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete session: %w", err)
	}
	if sess.UserID != ch.UserID {
		return nil, core.ErrUnauthenticated
	}

	if client == (core.ClientContext{}) {
		client = core.ClientContext{IPAddress: ch.IPAddress, UserAgent: ch.UserAgent}
	}
	pair, err := s.rotation.Issue(ctx, sess.TokenPayload(), client)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess, Tokens: pair}, nil
}

// checkPassword verifies password against userID's stored hash. Unknown users
// cost the same hashing work as a wrong password. Hashes made with weaker
// parameters are replaced after a successful check.
func (s *AuthService) checkPassword(ctx context.Context, userID, password string) (bool, error) {
	hash, err := s.credentials.GetPasswordHash(ctx, userID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}
	if !s.hasher.Verify(password, hash) {
		return false, nil
	}

	if s.hasher.NeedsRehash(hash) {
		upgraded, err := s.hasher.Hash(password)
		if err == nil {
			err = s.credentials.SetPasswordHash(ctx, userID, upgraded)
		}
		if err != nil {
			s.logger.Warn("failed to upgrade password hash", zap.String("user_id", userID), zap.Error(err))
		} else {
			s.logger.Info("password hash upgraded", zap.String("user_id", userID))
		}
	}
	return true, nil
}

// abandon ends a session whose login did not complete.
func (s *AuthService) abandon(ctx context.Context, sessionID string) {
	if _, err := s.sessions.Terminate(ctx, sessionID); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		s.logger.Error("failed to end abandoned session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// collapse hides why a credential was rejected. Operational errors pass through.
func (s *AuthService) collapse(op string, err error) error {
	if !isSecurityFailure(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info("credential rejected", zap.String("op", op), zap.Error(err))
	return core.ErrUnauthenticated
}

func isSecurityFailure(err error) bool {
	for _, target := range []error{
		core.ErrInvalidToken,
		core.ErrTokenReused,
		core.ErrTokenBlacklisted,
		core.ErrFamilyRevoked,
		core.ErrTokenConsumed,
		core.ErrInvalidPayload,
		core.ErrChallengeNotFound,
		core.ErrChallengeExpired,
		core.ErrChallengeConsumed,
		core.ErrInvalidCode,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
