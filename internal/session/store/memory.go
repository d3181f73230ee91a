// Package store provides the in-memory session store: one authoritative
// session table keyed by id plus secondary indexes by user, device, family,
// and current refresh-token hash, maintained together under the same locks.
package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"sessionguard/backend/internal/session/domain"
)

// familyStripes is the number of per-family lock stripes. Rotation for one
// family always serializes on its stripe; unrelated families proceed in parallel.
const familyStripes = 256

// MemoryStore is the reference Store implementation. All mutation paths hold
// locks scoped to the touched records; there is no stop-the-world sweep.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	byUser      map[string]map[string]struct{}
	byDevice    map[string]map[string]struct{}
	byFamily    map[string]map[string]struct{}
	byTokenHash map[string]string // current token hash -> session id

	famMu [familyStripes]sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.Session),
		byUser:      make(map[string]map[string]struct{}),
		byDevice:    make(map[string]map[string]struct{}),
		byFamily:    make(map[string]map[string]struct{}),
		byTokenHash: make(map[string]string),
	}
}

func (s *MemoryStore) familyLock(family string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(family))
	return &s.famMu[h.Sum32()%familyStripes]
}

// Create inserts the session and all index entries.
func (s *MemoryStore) Create(ctx context.Context, sess *domain.Session) error {
	cp := sess.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cp.ID] = cp
	addIndex(s.byUser, cp.UserID, cp.ID)
	if cp.DeviceID != "" {
		addIndex(s.byDevice, cp.DeviceID, cp.ID)
	}
	addIndex(s.byFamily, cp.RefreshTokenFamily, cp.ID)
	if cp.RefreshTokenHash != "" {
		s.byTokenHash[cp.RefreshTokenHash] = cp.ID
	}
	return nil
}

// GetByID returns a copy of the session, or nil if not found.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

// GetByTokenHash returns the session currently holding the given refresh-token
// hash, or nil if no session does.
func (s *MemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTokenHash[tokenHash]
	if !ok {
		return nil, nil
	}
	return s.sessions[id].Clone(), nil
}

// ListByUser returns copies of all sessions for the user, in no particular order.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]*domain.Session, 0, len(ids))
	for id := range ids {
		if sess := s.sessions[id]; sess != nil {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// ListByFamily returns copies of all sessions sharing the refresh-token family.
func (s *MemoryStore) ListByFamily(ctx context.Context, family string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byFamily[family]
	out := make([]*domain.Session, 0, len(ids))
	for id := range ids {
		if sess := s.sessions[id]; sess != nil {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// CountActiveByUser counts the user's sessions that are active and not revoked as of now.
func (s *MemoryStore) CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id := range s.byUser[userID] {
		if sess := s.sessions[id]; sess.Active(now) {
			n++
		}
	}
	return n, nil
}

// CountActiveByDevice counts active, non-revoked sessions for the device as of now.
func (s *MemoryStore) CountActiveByDevice(ctx context.Context, deviceID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id := range s.byDevice[deviceID] {
		if sess := s.sessions[id]; sess.Active(now) {
			n++
		}
	}
	return n, nil
}

// CompareAndRotate atomically replaces the session's current refresh-token hash
// with newHash, but only if oldHash is still current. This is the linearization
// point for rotation: of N concurrent calls presenting the same token, exactly
// one observes rotated=true. On success the generation is incremented, activity
// and refresh expiry are updated, and the token index is rewritten.
func (s *MemoryStore) CompareAndRotate(ctx context.Context, sessionID, oldHash, newHash, accessJTI string, refreshExpiresAt, now time.Time) (*domain.Session, bool, error) {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess == nil {
		return nil, false, nil
	}

	lock := s.familyLock(sess.RefreshTokenFamily)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess = s.sessions[sessionID]
	if sess == nil || sess.Revoked || sess.RefreshTokenHash != oldHash {
		return nil, false, nil
	}
	delete(s.byTokenHash, oldHash)
	sess.RefreshTokenHash = newHash
	s.byTokenHash[newHash] = sess.ID
	sess.Generation++
	sess.LastActivityAt = now
	sess.RefreshTokenExpiresAt = refreshExpiresAt
	sess.AccessTokenJTI = accessJTI
	return sess.Clone(), true, nil
}

// Touch updates only the session's last-activity timestamp and access-token jti.
// Used on the rotation-disabled refresh path.
func (s *MemoryStore) Touch(ctx context.Context, id, accessJTI string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[id]; sess != nil {
		sess.LastActivityAt = at
		if accessJTI != "" {
			sess.AccessTokenJTI = accessJTI
		}
	}
	return nil
}

// UpdateNetwork records the network context observed on a refresh. Empty
// fields are left as-is so a caller without geolocation does not wipe it.
func (s *MemoryStore) UpdateNetwork(ctx context.Context, id, ip, userAgent string, loc *domain.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[id]; sess != nil {
		if ip != "" {
			sess.IPAddress = ip
		}
		if userAgent != "" {
			sess.UserAgent = userAgent
		}
		if loc != nil {
			cp := *loc
			sess.Location = &cp
		}
	}
	return nil
}

// SetSecurityFlags overwrites the anomaly-driven flags for the session.
func (s *MemoryStore) SetSecurityFlags(ctx context.Context, id string, suspicious, highRisk, requiresReauth bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[id]; sess != nil {
		sess.SuspiciousActivity = suspicious
		sess.HighRisk = highRisk
		sess.RequiresReauthentication = requiresReauth
	}
	return nil
}

// Revoke marks the session revoked with the given reason. Idempotent: revoking
// an already-revoked session reports changed=false and alters nothing.
func (s *MemoryStore) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(id, reason, at), nil
}

func (s *MemoryStore) revokeLocked(id, reason string, at time.Time) bool {
	sess := s.sessions[id]
	if sess == nil || sess.Revoked {
		return false
	}
	sess.Revoked = true
	sess.IsActive = false
	sess.RevokedReason = reason
	t := at
	sess.RevokedAt = &t
	// The token hash stays indexed so presenting the revoked session's token
	// is distinguishable from a never-issued token.
	return true
}

// RevokeFamily revokes every session sharing the refresh-token family.
// Returns how many sessions changed state.
func (s *MemoryStore) RevokeFamily(ctx context.Context, family, reason string, at time.Time) (int, error) {
	lock := s.familyLock(family)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.byFamily[family] {
		if s.revokeLocked(id, reason, at) {
			n++
		}
	}
	return n, nil
}

// OldestActiveByUser returns the user's oldest active session by creation time,
// or nil when the user has none. Used by the revoke-oldest limiter policy.
func (s *MemoryStore) OldestActiveByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *domain.Session
	for id := range s.byUser[userID] {
		sess := s.sessions[id]
		if !sess.Active(now) {
			continue
		}
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
		}
	}
	return oldest.Clone(), nil
}

// ExpireSessions deactivates sessions whose lifetime has passed. Revoked
// sessions are left untouched. Returns the ids that were deactivated.
func (s *MemoryStore) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	var candidates []string
	for id, sess := range s.sessions {
		if sess.IsActive && !sess.Revoked && !now.Before(sess.ExpiresAt) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	var expired []string
	for _, id := range candidates {
		s.mu.Lock()
		sess := s.sessions[id]
		if sess != nil && sess.IsActive && !sess.Revoked && !now.Before(sess.ExpiresAt) {
			sess.IsActive = false
			if sess.RefreshTokenHash != "" {
				delete(s.byTokenHash, sess.RefreshTokenHash)
				sess.RefreshTokenHash = ""
			}
			expired = append(expired, id)
		}
		s.mu.Unlock()
	}
	return expired, nil
}

// Stats summarizes the session table as of now.
func (s *MemoryStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &domain.Stats{Total: len(s.sessions)}
	users := make(map[string]struct{})
	devices := make(map[string]struct{})
	families := make(map[string]struct{})
	for _, sess := range s.sessions {
		if sess.Active(now) {
			stats.Active++
		}
		if sess.Revoked {
			stats.Revoked++
		}
		if sess.HighRisk {
			stats.HighRisk++
		}
		users[sess.UserID] = struct{}{}
		if sess.DeviceID != "" {
			devices[sess.DeviceID] = struct{}{}
		}
		families[sess.RefreshTokenFamily] = struct{}{}
	}
	stats.UniqueUsers = len(users)
	stats.UniqueDevices = len(devices)
	stats.Families = len(families)
	return stats, nil
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}
