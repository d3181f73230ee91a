package domain

import "time"

// Location is coarse geolocation for a session, resolved by the caller.
type Location struct {
	Country string
	Region  string
	City    string
	Lat     float64
	Lon     float64
}

// HasCoordinates reports whether the location carries usable lat/lon.
func (l *Location) HasCoordinates() bool {
	return l != nil && (l.Lat != 0 || l.Lon != 0)
}

// Session represents one authenticated device session and its refresh-token lineage.
type Session struct {
	ID       string
	UserID   string
	TenantID string

	DeviceID          string
	DeviceFingerprint string // HMAC-derived, never user-supplied
	DeviceName        string // parsed user-agent summary, e.g. "Chrome 120 / macOS"
	IPAddress         string
	UserAgent         string
	Location          *Location

	CreatedAt             time.Time
	LastActivityAt        time.Time
	ExpiresAt             time.Time
	RefreshTokenExpiresAt time.Time

	// RefreshTokenHash is the SHA-256 hash of the single currently valid refresh token.
	RefreshTokenHash string
	// RefreshTokenFamily groups every token issued through rotation for this lineage.
	// Fixed at creation.
	RefreshTokenFamily string
	// Generation counts the distinct refresh tokens ever issued in the family.
	Generation int
	// AccessTokenJTI is the id of the most recently minted access token, opaque here.
	AccessTokenJTI string

	IsActive      bool
	Revoked       bool
	RevokedAt     *time.Time // nil when not revoked
	RevokedReason string

	MFAVerified              bool
	SuspiciousActivity       bool
	HighRisk                 bool
	RequiresReauthentication bool

	Metadata map[string]string
}

// Active reports whether the session can still be used for refresh: not revoked,
// marked active, and not past its expiry as of now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.IsActive && !s.Revoked && now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so store internals never alias caller-held sessions.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Location != nil {
		loc := *s.Location
		cp.Location = &loc
	}
	if s.RevokedAt != nil {
		at := *s.RevokedAt
		cp.RevokedAt = &at
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
