package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig carries what SetupRouter needs besides the service
type RouterConfig struct {
	Logger *zap.Logger
	// Gatherer backs /metrics; nil selects the default Prometheus registry.
	Gatherer prometheus.Gatherer
	// ServiceKeys admit backends to the login, minting, session and MFA routes.
	ServiceKeys []string
}

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(RequestLogger(logger), Recovery(logger))

	handlers := NewAuthHandlers(authService, logger)
	trusted := ServiceAuth(logger, cfg.ServiceKeys)

	// Token holders prove possession themselves
	auth := router.Group("/auth")
	{
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/validate", handlers.Validate)
		auth.POST("/logout", AuthMiddleware(authService), handlers.Logout)
	}

	// Backend routes act on behalf of users the caller already resolved
	backend := auth.Group("", trusted)
	{
		backend.POST("/login", handlers.Login)
		backend.POST("/login/mfa", handlers.CompleteMFALogin)
		backend.POST("/tokens", handlers.GenerateTokens)
		backend.POST("/passwords", handlers.SetPassword)
	}

	sessions := router.Group("/sessions", trusted)
	{
		sessions.POST("", handlers.CreateSession)
		sessions.GET("", handlers.ListSessions)
		sessions.POST("/:id/validate", handlers.ValidateSession)
		sessions.DELETE("/:id", handlers.TerminateSession)
	}

	mfa := router.Group("/mfa", trusted)
	{
		mfa.POST("/setup", handlers.SetupMFA)
		mfa.POST("/confirm", handlers.ConfirmMFA)
		mfa.POST("/challenges", handlers.CreateChallenge)
		mfa.POST("/challenges/:id/verify", handlers.VerifyChallenge)
		mfa.GET("/status/:userId", handlers.MFAStatus)
		mfa.POST("/backup-codes", handlers.RegenerateBackupCodes)
		mfa.POST("/disable", handlers.DisableMFA)
	}

	// Operator routes need an admin bearer token
	admin := router.Group("/admin")
	admin.Use(AuthMiddleware(authService), RequireRole(logger, "admin"))
	{
		admin.POST("/blacklist", handlers.BlacklistToken)
		admin.GET("/blacklist/stats", handlers.BlacklistStats)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
		api.GET("/authorize", handlers.Authorize)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return router
}
