package core

import "errors"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrAccessTTLTooLong = errors.New("access token lifetime exceeds 900 seconds")
	ErrInvalidPayload   = errors.New("invalid token payload")

	// ErrTokenReused signals a consumed refresh token presented outside the grace window.
	// The whole token family is revoked before it is returned.
	ErrTokenReused      = errors.New("refresh token reuse detected")
	ErrTokenBlacklisted = errors.New("token is blacklisted")
	ErrTokenConsumed    = errors.New("refresh token already consumed")
	ErrFamilyRevoked    = errors.New("refresh token family revoked")

	// ErrUnauthenticated is the only error the facade reports for a rejected credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")

	ErrUnsupportedMFAMethod = errors.New("unsupported mfa method")
	ErrMFANotEnrolled       = errors.New("mfa method not enrolled")
	ErrMFAAlreadyEnabled    = errors.New("mfa already enabled")
	ErrChallengeNotFound    = errors.New("mfa challenge not found")
	ErrChallengeExpired     = errors.New("mfa challenge expired")
	ErrChallengeConsumed    = errors.New("mfa challenge already used")
	ErrInvalidCode          = errors.New("invalid mfa code")

	ErrStoreUnavailable = errors.New("store operation failed")
)
