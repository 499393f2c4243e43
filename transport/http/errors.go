package http

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/core"
	"go.uber.org/zap"
)

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// fail maps service errors to responses. Anything unexpected is reported.
func (h *AuthHandlers) fail(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	case errors.Is(err, core.ErrInvalidPayload):
		badRequest(c)
	case errors.Is(err, core.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, core.ErrUnsupportedMFAMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported mfa method"})
	case errors.Is(err, core.ErrMFANotEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": "mfa not enrolled"})
	case errors.Is(err, core.ErrMFAAlreadyEnabled):
		c.JSON(http.StatusConflict, gin.H{"error": "mfa already enabled"})
	case errors.Is(err, core.ErrStoreUnavailable):
		h.logger.Error("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		sentry.CaptureException(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		sentry.CaptureException(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
