package anomaly

import (
	"testing"
	"time"
)

func reportAt(at time.Time, withFindings bool) *Report {
	r := &Report{SessionID: "s", CreatedAt: at, RecommendedAction: ActionAllow}
	if withFindings {
		r.Findings = []Finding{{Type: FindingNewDevice, Severity: SeverityLow, Confidence: 0.6}}
	}
	return r
}

func TestHistory_RecentWindow(t *testing.T) {
	h := NewHistory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	h.Add("u1", reportAt(now.Add(-48*time.Hour), true)) // outside window
	h.Add("u1", reportAt(now.Add(-time.Hour), true))
	h.Add("u1", reportAt(now.Add(-time.Minute), false))

	recent := h.Recent("u1", now)
	if len(recent) != 2 {
		t.Fatalf("Recent = %d reports, want 2", len(recent))
	}
}

func TestHistory_PatternDetection(t *testing.T) {
	h := NewHistory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	h.Add("u1", reportAt(now.Add(-3*time.Hour), true))
	h.Add("u1", reportAt(now.Add(-2*time.Hour), true))
	if ok, _ := h.PatternDetected("u1", now); ok {
		t.Fatal("pattern detected with only 2 anomalous reports")
	}

	h.Add("u1", reportAt(now.Add(-time.Hour), true))
	ok, n := h.PatternDetected("u1", now)
	if !ok || n != 3 {
		t.Fatalf("PatternDetected = (%v, %d), want (true, 3)", ok, n)
	}

	// Clean reports do not contribute.
	h.Add("u2", reportAt(now.Add(-time.Hour), false))
	h.Add("u2", reportAt(now.Add(-2*time.Hour), false))
	h.Add("u2", reportAt(now.Add(-3*time.Hour), false))
	if ok, _ := h.PatternDetected("u2", now); ok {
		t.Fatal("pattern detected from reports without findings")
	}
}

func TestHistory_Prune(t *testing.T) {
	h := NewHistory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	h.Add("u1", reportAt(now.Add(-30*time.Hour), true))
	h.Add("u1", reportAt(now.Add(-time.Hour), true))
	h.Add("u2", reportAt(now.Add(-25*time.Hour), true))

	h.Prune(now)

	if got := len(h.Recent("u1", now)); got != 1 {
		t.Errorf("u1 reports after prune = %d, want 1", got)
	}
	h.mu.Lock()
	_, u2Present := h.byUser["u2"]
	h.mu.Unlock()
	if u2Present {
		t.Error("u2 entry should be deleted once empty")
	}
}
