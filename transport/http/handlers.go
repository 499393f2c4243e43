package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
	"go.uber.org/zap"
)

// AuthHandlers contains HTTP handlers for the auth API
type AuthHandlers struct {
	authService *service.AuthService
	logger      *zap.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, logger *zap.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		logger:      logger,
	}
}

type loginRequest struct {
	UserID      string              `json:"userId" binding:"required"`
	UserType    string              `json:"userType"`
	Role        string              `json:"role" binding:"required"`
	UserLevel   int                 `json:"userLevel"`
	RegionID    string              `json:"regionId"`
	Permissions []string            `json:"permissions"`
	Password    string              `json:"password" binding:"required"`
	Context     *core.ClientContext `json:"context"`
}

// Login checks a password and opens a session
func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.authService.Login(c.Request.Context(), service.LoginRequest{
		UserID:      req.UserID,
		UserType:    req.UserType,
		Role:        req.Role,
		UserLevel:   req.UserLevel,
		RegionID:    req.RegionID,
		Permissions: req.Permissions,
		Password:    req.Password,
		Context:     clientContext(c, req.Context),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CompleteMFALogin answers the challenge returned by Login
func (h *AuthHandlers) CompleteMFALogin(c *gin.Context) {
	var req struct {
		ChallengeID string              `json:"challengeId" binding:"required"`
		Code        string              `json:"code" binding:"required"`
		Context     *core.ClientContext `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	var client core.ClientContext
	if req.Context != nil {
		client = clientContext(c, req.Context)
	}
	res, err := h.authService.CompleteMFALogin(c.Request.Context(), req.ChallengeID, req.Code, client)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SetPassword stores a new password for a user
func (h *AuthHandlers) SetPassword(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	if err := h.authService.SetPassword(c.Request.Context(), req.UserID, req.Password); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GenerateTokens mints a pair for an already authenticated identity
func (h *AuthHandlers) GenerateTokens(c *gin.Context) {
	var req core.TokenPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	pair, err := h.authService.GenerateTokens(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(pair))
}

// Refresh exchanges a refresh token
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	pair, err := h.authService.RefreshTokenFrom(c.Request.Context(), req.RefreshToken, clientContext(c, nil))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(pair))
}

// Logout ends the caller's session and revokes the presented token
func (h *AuthHandlers) Logout(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	if err := h.authService.Logout(c.Request.Context(), claims.SessionID, claims.TokenID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Validate reports whether an access token is acceptable
func (h *AuthHandlers) Validate(c *gin.Context) {
	var req struct {
		Token          string              `json:"token" binding:"required"`
		CheckBlacklist *bool               `json:"checkBlacklist"`
		Context        *core.ClientContext `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	opts := service.ValidateOptions{CheckBlacklist: true}
	if req.CheckBlacklist != nil {
		opts.CheckBlacklist = *req.CheckBlacklist
	}
	if req.Context != nil {
		client := clientContext(c, req.Context)
		opts.Client = &client
	}
	res, err := h.authService.ValidateAccessToken(c.Request.Context(), req.Token, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateSession opens a session
func (h *AuthHandlers) CreateSession(c *gin.Context) {
	var req struct {
		UserID      string              `json:"userId" binding:"required"`
		Role        string              `json:"role"`
		UserLevel   int                 `json:"userLevel"`
		Permissions []string            `json:"permissions"`
		Context     *core.ClientContext `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	sess, err := h.authService.CreateSession(c.Request.Context(), core.CreateSessionInput{
		UserID:      req.UserID,
		Role:        req.Role,
		UserLevel:   req.UserLevel,
		Permissions: req.Permissions,
		Context:     clientContext(c, req.Context),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns the live sessions of ?userId=
func (h *AuthHandlers) ListSessions(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		badRequest(c)
		return
	}

	sessions, err := h.authService.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// ValidateSession scores the caller against a session
func (h *AuthHandlers) ValidateSession(c *gin.Context) {
	var req struct {
		Context *core.ClientContext `json:"context"`
	}
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}

	res, err := h.authService.ValidateSession(c.Request.Context(), c.Param("id"), clientContext(c, req.Context))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TerminateSession ends a session
func (h *AuthHandlers) TerminateSession(c *gin.Context) {
	if err := h.authService.TerminateSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetupMFA starts enrollment
func (h *AuthHandlers) SetupMFA(c *gin.Context) {
	var req core.SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c)
		return
	}

	res, err := h.authService.SetupMFA(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ConfirmMFA enables a pending enrollment
func (h *AuthHandlers) ConfirmMFA(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Code   string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ok, err := h.authService.ConfirmMFA(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

// CreateChallenge opens an MFA challenge
func (h *AuthHandlers) CreateChallenge(c *gin.Context) {
	var req core.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	res, err := h.authService.CreateMFAChallenge(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// VerifyChallenge answers an MFA challenge
func (h *AuthHandlers) VerifyChallenge(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	ok, err := h.authService.VerifyMFAChallenge(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

// RegenerateBackupCodes replaces a user's backup codes
func (h *AuthHandlers) RegenerateBackupCodes(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	codes, err := h.authService.RegenerateBackupCodes(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"backupCodes": codes})
}

// DisableMFA removes a user's second factors
func (h *AuthHandlers) DisableMFA(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	if err := h.authService.DisableMFA(c.Request.Context(), req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MFAStatus summarizes a user's enrollment
func (h *AuthHandlers) MFAStatus(c *gin.Context) {
	status, err := h.authService.GetMFAStatus(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// BlacklistToken revokes a token id by hand
func (h *AuthHandlers) BlacklistToken(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId" binding:"required"`
		UserID  string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	if err := h.authService.BlacklistToken(c.Request.Context(), req.TokenID, req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BlacklistStats lists the live blacklist
func (h *AuthHandlers) BlacklistStats(c *gin.Context) {
	stats, err := h.authService.GetBlacklistStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Me returns the verified claims of the caller
func (h *AuthHandlers) Me(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	c.JSON(http.StatusOK, claims)
}

// Authorize checks ?permission= and ?region= against the caller's claims
func (h *AuthHandlers) Authorize(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	authorized := true
	if perm := c.Query("permission"); perm != "" {
		authorized = authorized && h.authService.HasPermission(claims, perm)
	}
	if region := c.Query("region"); region != "" {
		authorized = authorized && h.authService.HasRegionalAccess(claims, region)
	}

	status := http.StatusOK
	if !authorized {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"authorized": authorized,
		"userId":     claims.UserID,
	})
}

func tokenResponse(pair *core.TokenPair) gin.H {
	return gin.H{
		"accessToken":    pair.AccessToken,
		"refreshToken":   pair.RefreshToken,
		"tokenType":      "Bearer",
		"expiresIn":      pair.ExpiresIn,
		"tokenId":        pair.AccessTokenID,
		"refreshTokenId": pair.RefreshTokenID,
	}
}

// clientContext prefers what the caller reported and falls back to the request.
func clientContext(c *gin.Context, reported *core.ClientContext) core.ClientContext {
	out := core.ClientContext{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
	if reported != nil {
		if reported.IPAddress != "" {
			out.IPAddress = reported.IPAddress
		}
		if reported.UserAgent != "" {
			out.UserAgent = reported.UserAgent
		}
	}
	return out
}
