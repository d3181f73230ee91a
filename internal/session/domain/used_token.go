package domain

import "time"

// UsedToken records a refresh-token value that has already been consumed by a
// rotation, kept for a bounded grace window. A re-presentation inside the
// window is answered idempotently with the cached successor pair; outside the
// window it is proof of replay.
type UsedToken struct {
	SessionID string
	Family    string
	UsedAt    time.Time
	// Replays counts idempotent re-presentations served inside the grace window.
	Replays int

	// Cached successor pair, replayed verbatim for in-window retries.
	AccessToken     string
	RefreshToken    string
	Generation      int
	AccessExpiresAt time.Time
}
