package warden

import (
	"context"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
)

// Client is the public interface for embedding warden in another service
type Client interface {
	// GenerateTokens mints an access and refresh token for an authenticated identity
	GenerateTokens(ctx context.Context, payload core.TokenPayload) (*core.TokenPair, error)

	// VerifyToken returns the claims of a valid, non-blacklisted access token
	VerifyToken(ctx context.Context, token string) (*core.Claims, error)

	// RefreshToken rotates a refresh token and returns a new pair
	RefreshToken(ctx context.Context, refreshToken string) (*core.TokenPair, error)

	// Logout ends the session and revokes every token bound to it
	Logout(ctx context.Context, sessionID, tokenID string) error

	// Login checks a password and opens a session; MFA users finish with CompleteMFALogin
	Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error)
	CompleteMFALogin(ctx context.Context, challengeID, code string, client core.ClientContext) (*service.LoginResult, error)
	SetPassword(ctx context.Context, userID, password string) error

	CreateSession(ctx context.Context, in core.CreateSessionInput) (*core.Session, error)
	ValidateSession(ctx context.Context, sessionID string, client core.ClientContext) (*core.SessionValidation, error)

	CreateMFAChallenge(ctx context.Context, req core.ChallengeRequest) (*core.ChallengeResult, error)
	VerifyMFAChallenge(ctx context.Context, challengeID, code string) (bool, error)

	HasPermission(user *core.Claims, perm string) bool
	HasRegionalAccess(user *core.Claims, regionID string) bool
}

var _ Client = (*service.AuthService)(nil)
