package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthServiceTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pair, err := h.auth.GenerateTokens(ctx, opsManager())
	require.NoError(t, err)

	claims, err := h.auth.VerifyToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "ops_manager", claims.Role)
	assert.True(t, h.auth.HasPermission(claims, "drivers:read"))
	assert.False(t, h.auth.HasPermission(claims, "drivers:write"))

	h.clock.Advance(time.Minute)
	next, err := h.auth.RefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	_, err = h.auth.VerifyToken(ctx, next.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.auth.Logout(ctx, "s1", pair.AccessTokenID))

	res, err := h.auth.ValidateAccessToken(ctx, pair.AccessToken, ValidateOptions{CheckBlacklist: true})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.Blacklisted)

	// without the blacklist check the signature alone still verifies
	res, err = h.auth.ValidateAccessToken(ctx, pair.AccessToken, ValidateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	_, err = h.auth.VerifyToken(ctx, next.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	_, err = h.auth.RefreshToken(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	assert.Equal(t, []string{"s1"}, h.events.logouts)
}

func TestAuthServiceVerifyTokenRejectsMalformed(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "a.b", "a.b.c.d", "not-a-jwt"} {
		claims, err := h.auth.VerifyToken(context.Background(), token)
		assert.Nil(t, claims, token)
		assert.ErrorIs(t, err, core.ErrUnauthenticated, token)
	}
}

func TestAuthServiceRefreshHidesReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pair, err := h.auth.GenerateTokens(ctx, opsManager())
	require.NoError(t, err)
	_, err = h.auth.RefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.auth.RefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	assert.NotErrorIs(t, err, core.ErrTokenReused)

	_, err = h.auth.RefreshToken(ctx, "garbage")
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestAuthServiceRegionalAccess(t *testing.T) {
	h := newHarness(t)

	regional := &core.Claims{Role: "ops_manager", RegionID: "eu-west"}
	assert.True(t, h.auth.HasRegionalAccess(regional, "eu-west"))
	assert.False(t, h.auth.HasRegionalAccess(regional, "us-east"))

	admin := &core.Claims{Role: core.RoleAdmin}
	assert.True(t, h.auth.HasRegionalAccess(admin, "us-east"))

	assert.False(t, h.auth.HasRegionalAccess(nil, "eu-west"))
	assert.False(t, h.auth.HasPermission(nil, "drivers:read"))
}

func TestAuthServiceBlacklistToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pair, err := h.auth.GenerateTokens(ctx, opsManager())
	require.NoError(t, err)

	require.NoError(t, h.auth.BlacklistToken(ctx, pair.RefreshTokenID, "u1"))
	ok, err := h.auth.IsTokenBlacklisted(ctx, pair.RefreshTokenID)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := h.auth.GetBlacklistStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Size)
	assert.Equal(t, core.ReasonManual, stats.Entries[0].Reason)

	_, err = h.auth.RefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestAuthServiceLoginAndLogout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.auth.SetPassword(ctx, "u1", "correct horse"))
	hash, err := h.credentials.GetPasswordHash(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, h.auth.VerifyPassword("correct horse", hash))

	req := LoginRequest{
		UserID:      "u1",
		UserType:    "staff",
		Role:        "ops_manager",
		Permissions: []string{"drivers:read"},
		Password:    "wrong",
		Context:     laptop(),
	}
	_, err = h.auth.Login(ctx, req)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	req.Password = "correct horse"
	res, err := h.auth.Login(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.Empty(t, res.ChallengeID)
	require.NotNil(t, res.Tokens)

	claims, err := h.auth.VerifyToken(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, claims.SessionID)
	assert.Equal(t, "staff", claims.UserType)
	assert.Equal(t, []string{"drivers:read"}, claims.Permissions)

	sessions, err := h.auth.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	v, err := h.auth.ValidateSession(ctx, res.Session.ID, laptop())
	require.NoError(t, err)
	assert.True(t, v.Valid)

	require.NoError(t, h.auth.Logout(ctx, res.Session.ID, ""))
	v, err = h.auth.ValidateSession(ctx, res.Session.ID, laptop())
	require.NoError(t, err)
	assert.False(t, v.Valid)

	// the session's refresh token is revoked along with it
	_, err = h.auth.RefreshToken(ctx, res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	_, err = h.auth.VerifyToken(ctx, res.Tokens.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	assert.NoError(t, h.auth.TerminateSession(ctx, res.Session.ID))
}

func TestAuthServiceLoginUnknownUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.auth.Login(ctx, LoginRequest{UserID: "ghost", Role: "driver", Password: "pw", Context: laptop()})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	sessions, err := h.auth.ListSessions(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAuthServiceLoginLeavesNoSessionOnInvalidIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.auth.SetPassword(ctx, "u1", "pw"))

	for name, req := range map[string]LoginRequest{
		"missing role":     {UserID: "u1", Password: "pw"},
		"blank permission": {UserID: "u1", Role: "driver", Permissions: []string{" "}, Password: "pw"},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := h.auth.Login(ctx, req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, core.ErrInvalidPayload)

			sessions, err := h.auth.ListSessions(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, sessions)
		})
	}
}

func TestAuthServiceLoginUpgradesLegacyHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	legacy, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, h.credentials.SetPasswordHash(ctx, "u1", string(legacy)))

	_, err = h.auth.Login(ctx, LoginRequest{UserID: "u1", Role: "driver", Password: "pw", Context: laptop()})
	require.NoError(t, err)

	upgraded, err := h.credentials.GetPasswordHash(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(upgraded, "$argon2id$"))
	assert.True(t, h.auth.VerifyPassword("pw", upgraded))
}

func TestAuthServiceSetPasswordRequiresUser(t *testing.T) {
	h := newHarness(t)
	err := h.auth.SetPassword(context.Background(), " ", "pw")
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
}

func TestAuthServiceLoginWithMFA(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ok, err := h.auth.ConfirmMFA(ctx, "u1", "000000")
	require.NoError(t, err)
	assert.False(t, ok)
	secret := enroll(t, h, "u1").Secret

	required, err := h.auth.RequiresMFA(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, required)

	require.NoError(t, h.auth.SetPassword(ctx, "u1", "pw"))
	res, err := h.auth.Login(ctx, LoginRequest{UserID: "u1", Role: "ops_manager", Password: "pw", Context: laptop()})
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
	require.NotEmpty(t, res.ChallengeID)

	// nothing usable exists before the second factor
	assert.Nil(t, res.Tokens)
	assert.True(t, res.Session.MFAPending)
	v, err := h.auth.ValidateSession(ctx, res.Session.ID, laptop())
	require.NoError(t, err)
	assert.False(t, v.Valid)
	minted, err := h.refresh.RevokeSession(ctx, res.Session.ID, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, minted)

	_, err = h.auth.CompleteMFALogin(ctx, res.ChallengeID, "not-a-code", core.ClientContext{})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	// the failed attempt spent the challenge
	code, err := h.totp.Code(secret, h.clock.Now())
	require.NoError(t, err)
	_, err = h.auth.CompleteMFALogin(ctx, res.ChallengeID, code, core.ClientContext{})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	res, err = h.auth.Login(ctx, LoginRequest{UserID: "u1", Role: "ops_manager", Password: "pw", Context: laptop()})
	require.NoError(t, err)
	require.Nil(t, res.Tokens)
	done, err := h.auth.CompleteMFALogin(ctx, res.ChallengeID, code, core.ClientContext{})
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)
	assert.False(t, done.Session.MFAPending)
	assert.Equal(t, res.Session.ID, done.Session.ID)

	claims, err := h.auth.VerifyToken(ctx, done.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, claims.SessionID)
	assert.Equal(t, "ops_manager", claims.Role)

	// the login context from the challenge is bound into the fingerprint
	assert.True(t, h.tokenizer.MatchesContext(claims, laptop()))

	v, err = h.auth.ValidateSession(ctx, res.Session.ID, laptop())
	require.NoError(t, err)
	assert.True(t, v.Valid)

	status, err := h.auth.GetMFAStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
}

func TestAuthServiceCompleteMFALoginRejectsUnboundChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret := enroll(t, h, "u1").Secret

	ch, err := h.auth.CreateMFAChallenge(ctx, core.ChallengeRequest{UserID: "u1"})
	require.NoError(t, err)
	code, err := h.totp.Code(secret, h.clock.Now())
	require.NoError(t, err)

	res, err := h.auth.CompleteMFALogin(ctx, ch.ChallengeID, code, laptop())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestAuthServiceStandaloneChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret := enroll(t, h, "u1").Secret

	ch, err := h.auth.CreateMFAChallenge(ctx, core.ChallengeRequest{UserID: "u1", Action: "withdrawal"})
	require.NoError(t, err)
	ok, err := h.auth.VerifyMFAChallenge(ctx, ch.ChallengeID, "not-a-code")
	require.NoError(t, err)
	assert.False(t, ok)

	ch, err = h.auth.CreateMFAChallenge(ctx, core.ChallengeRequest{UserID: "u1", Action: "withdrawal"})
	require.NoError(t, err)
	code, err := h.totp.Code(secret, h.clock.Now())
	require.NoError(t, err)
	ok, err = h.auth.VerifyMFAChallenge(ctx, ch.ChallengeID, code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthServiceBackupCodesAndDisable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.auth.RegenerateBackupCodes(ctx, "u1")
	assert.ErrorIs(t, err, core.ErrMFANotEnrolled)

	enroll(t, h, "u1")
	codes, err := h.auth.RegenerateBackupCodes(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, codes)

	ch, err := h.auth.CreateMFAChallenge(ctx, core.ChallengeRequest{UserID: "u1", Method: core.MFAMethodBackupCode})
	require.NoError(t, err)
	ok, err := h.auth.VerifyMFAChallenge(ctx, ch.ChallengeID, codes[0])
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.auth.DisableMFA(ctx, "u1"))
	required, err := h.auth.RequiresMFA(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, required)

	require.NoError(t, h.auth.SetPassword(ctx, "u1", "pw"))
	res, err := h.auth.Login(ctx, LoginRequest{UserID: "u1", Role: "driver", Password: "pw", Context: laptop()})
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.NotNil(t, res.Tokens)
}

func TestAuthServiceValidateFlagsForeignContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.auth.SetPassword(ctx, "u1", "pw"))

	res, err := h.auth.Login(ctx, LoginRequest{UserID: "u1", Role: "driver", Password: "pw", Context: laptop()})
	require.NoError(t, err)

	home := laptop()
	v, err := h.auth.ValidateAccessToken(ctx, res.Tokens.AccessToken, ValidateOptions{CheckBlacklist: true, Client: &home})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.ContextMismatch)

	elsewhere := core.ClientContext{IPAddress: "203.0.113.50", UserAgent: "curl/8.0"}
	v, err = h.auth.ValidateAccessToken(ctx, res.Tokens.AccessToken, ValidateOptions{CheckBlacklist: true, Client: &elsewhere})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.ContextMismatch)
}

func TestAuthServiceConfirmWithoutSetup(t *testing.T) {
	h := newHarness(t)
	ok, err := h.auth.ConfirmMFA(context.Background(), "nobody", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}
