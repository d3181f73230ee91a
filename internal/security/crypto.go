package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// refreshTokenBytes is the entropy of a refresh token (256 bits).
const refreshTokenBytes = 32

// NewRefreshToken returns a 256-bit random token, base64url-encoded without padding.
func NewRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewFamilyID returns a fresh refresh-token family id. A family groups every
// token issued through successive rotations of one session lineage.
func NewFamilyID() string {
	return uuid.New().String()
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return uuid.New().String()
}

// Fingerprinter derives deterministic device fingerprints from device signals.
// The fingerprint is a recognition aid, not an authentication factor.
type Fingerprinter struct {
	secret []byte
}

// NewFingerprinter returns a Fingerprinter keyed with secret.
func NewFingerprinter(secret string) *Fingerprinter {
	return &Fingerprinter{secret: []byte(secret)}
}

// Fingerprint returns hex(HMAC-SHA256(secret, deviceID || userAgent || ip)).
// Identical inputs always produce the same fingerprint.
func (f *Fingerprinter) Fingerprint(deviceID, userAgent, ip string) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(deviceID))
	mac.Write([]byte(userAgent))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}
