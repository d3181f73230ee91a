package service

import "errors"

// Sentinel errors for the session engine; callers map them to their transport's
// error space. None are retried internally: re-attempting a failed rotation
// could itself trip reuse detection.
var (
	// ErrInvalidToken means the presented refresh token matches no current
	// session and no retained used-token record. Deliberately does not reveal
	// whether the token was ever valid.
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrSessionInactive means the session exists but is revoked or deactivated.
	ErrSessionInactive = errors.New("session is not active")
	// ErrTokenExpired means the refresh token itself has passed its lifetime.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrReuseDetected means a consumed token was re-presented outside the
	// grace window: the whole token family has been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected; token family revoked")
	// ErrSessionLimitExceeded means creation was denied by the concurrency limiter.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
)
