package store

import (
	"context"
	"sync"
	"time"

	"sessionguard/backend/internal/session/domain"
)

// MemoryUsedTokens is the in-memory used-token table. Entries expire on read
// and via Prune; per-key atomicity comes from the table mutex, whose critical
// sections are map operations only.
type MemoryUsedTokens struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*domain.UsedToken // key: token hash
}

// NewMemoryUsedTokens returns a used-token table whose entries live for ttl.
// ttl should comfortably exceed the reuse grace window so post-window replays
// are still recognized as replays rather than unknown tokens.
func NewMemoryUsedTokens(ttl time.Duration) *MemoryUsedTokens {
	return &MemoryUsedTokens{ttl: ttl, m: make(map[string]*domain.UsedToken)}
}

// Get returns the record for the consumed token hash, or nil if absent or expired.
func (u *MemoryUsedTokens) Get(ctx context.Context, tokenHash string, now time.Time) (*domain.UsedToken, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.m[tokenHash]
	if !ok {
		return nil, nil
	}
	if now.Sub(rec.UsedAt) > u.ttl {
		delete(u.m, tokenHash)
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put records a consumed token and its cached successor pair.
func (u *MemoryUsedTokens) Put(ctx context.Context, tokenHash string, rec *domain.UsedToken) error {
	cp := *rec
	u.mu.Lock()
	defer u.mu.Unlock()
	u.m[tokenHash] = &cp
	return nil
}

// IncrementReplays bumps the replay counter for the token hash and returns the
// new count. Returns 0 if the record is gone.
func (u *MemoryUsedTokens) IncrementReplays(ctx context.Context, tokenHash string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.m[tokenHash]
	if !ok {
		return 0, nil
	}
	rec.Replays++
	return rec.Replays, nil
}

// Prune drops records older than the ttl. Run periodically by the reaper.
func (u *MemoryUsedTokens) Prune(ctx context.Context, now time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for hash, rec := range u.m {
		if now.Sub(rec.UsedAt) > u.ttl {
			delete(u.m, hash)
		}
	}
	return nil
}
