package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
	"go.uber.org/zap"
)

const (
	claimsKey        = "claims"
	serviceKeyHeader = "X-Service-Key"
)

// AuthMiddleware admits requests carrying a valid, non-blacklisted bearer
// access token. Every rejection gets the same 401 body.
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortUnauthenticated(c)
			return
		}

		claims, err := authService.VerifyToken(c.Request.Context(), token)
		if errors.Is(err, core.ErrUnauthenticated) {
			abortUnauthenticated(c)
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ServiceAuth admits backends presenting one of keys in X-Service-Key. With
// no keys configured every request is rejected.
func ServiceAuth(logger *zap.Logger, keys []string) gin.HandlerFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(c *gin.Context) {
		presented := []byte(c.GetHeader(serviceKeyHeader))
		match := 0
		for _, k := range allowed {
			match |= subtle.ConstantTimeCompare(presented, k)
		}
		if len(presented) == 0 || match != 1 {
			logger.Info("service credential rejected",
				zap.String("path", c.FullPath()),
				zap.String("ip", c.ClientIP()),
			)
			abortUnauthenticated(c)
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not role.
func RequireRole(logger *zap.Logger, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFrom(c)
		if !ok || claims.Role != role {
			logger.Info("forbidden",
				zap.String("path", c.FullPath()),
				zap.String("required_role", role),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("http_request", fields...)
	}
}

// Recovery turns a panic into a 500 and reports it to Sentry.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					scope.SetTag("path", c.FullPath())
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.Any("panic", rec),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()

		c.Next()
	}
}

func abortUnauthenticated(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
}

func claimsFrom(c *gin.Context) (*core.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*core.Claims)
	return claims, ok
}
