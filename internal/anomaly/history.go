package anomaly

import (
	"sync"
	"time"
)

// defaultRetention is how long reports are kept per user for pattern analysis.
const defaultRetention = 24 * time.Hour

// patternThreshold is how many reports with findings inside the retention
// window constitute a repeated-anomaly pattern.
const patternThreshold = 3

// History retains per-user anomaly reports for a rolling window so repeated
// anomalies can escalate independently of any single score. Safe for
// concurrent use.
type History struct {
	mu        sync.Mutex
	retention time.Duration
	byUser    map[string][]*Report
}

// NewHistory returns a History with the standard 24h retention.
func NewHistory() *History {
	return &History{retention: defaultRetention, byUser: make(map[string][]*Report)}
}

// Add records the report for the user. Reports without findings are kept too:
// they carry the evaluation timestamp and keep statistics honest.
func (h *History) Add(userID string, r *Report) {
	if r == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byUser[userID] = append(h.byUser[userID], r)
}

// Recent returns the user's reports newer than the retention window, oldest first.
func (h *History) Recent(userID string, now time.Time) []*Report {
	cutoff := now.Add(-h.retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Report
	for _, r := range h.byUser[userID] {
		if r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// PatternDetected reports whether the user has accumulated enough reports with
// findings inside the window to count as a repeated-anomaly pattern, and how many.
func (h *History) PatternDetected(userID string, now time.Time) (bool, int) {
	count := 0
	for _, r := range h.Recent(userID, now) {
		if r.HasFindings() {
			count++
		}
	}
	return count >= patternThreshold, count
}

// Prune drops reports older than the retention window. Run periodically.
func (h *History) Prune(now time.Time) {
	cutoff := now.Add(-h.retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, reports := range h.byUser {
		kept := reports[:0]
		for _, r := range reports {
			if r.CreatedAt.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(h.byUser, userID)
			continue
		}
		h.byUser[userID] = kept
	}
}
