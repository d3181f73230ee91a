package anomaly

import (
	"math"
	"testing"
	"time"

	"sessionguard/backend/internal/session/domain"
)

var baseTime = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func histSession(id, country, fingerprint string, lat, lon float64, at time.Time) *domain.Session {
	s := &domain.Session{
		ID:                id,
		UserID:            "user-1",
		DeviceFingerprint: fingerprint,
		CreatedAt:         at,
		LastActivityAt:    at,
	}
	if country != "" {
		s.Location = &domain.Location{Country: country, Lat: lat, Lon: lon}
	}
	return s
}

func TestEvaluate_NoHistoryNoFindings(t *testing.T) {
	sc := NewScorer()
	cand := histSession("s-new", "US", "fp-1", 40.7128, -74.0060, baseTime)
	rep := sc.Evaluate(cand, nil, baseTime)
	if rep.HasFindings() {
		t.Errorf("expected no findings for empty history, got %v", rep.Findings)
	}
	if rep.RecommendedAction != ActionAllow {
		t.Errorf("action = %q, want allow", rep.RecommendedAction)
	}
	if rep.RiskScore != 0 {
		t.Errorf("risk score = %v, want 0", rep.RiskScore)
	}
}

func TestEvaluate_NewCountry(t *testing.T) {
	sc := NewScorer()
	hist := []*domain.Session{
		histSession("s-1", "US", "fp-1", 0, 0, baseTime.Add(-48*time.Hour)),
	}
	cand := histSession("s-new", "DE", "fp-1", 0, 0, baseTime)
	rep := sc.Evaluate(cand, hist, baseTime)

	if len(rep.Findings) != 1 {
		t.Fatalf("findings = %v, want exactly the country finding", rep.Findings)
	}
	f := rep.Findings[0]
	if f.Type != FindingNewCountry || f.Severity != SeverityMedium {
		t.Errorf("finding = %+v, want medium new_country", f)
	}
}

func TestEvaluate_NewDevice(t *testing.T) {
	sc := NewScorer()
	hist := []*domain.Session{
		histSession("s-1", "US", "fp-known", 0, 0, baseTime.Add(-time.Hour)),
	}
	cand := histSession("s-new", "US", "fp-other", 0, 0, baseTime)
	rep := sc.Evaluate(cand, hist, baseTime)

	if len(rep.Findings) != 1 || rep.Findings[0].Type != FindingNewDevice {
		t.Fatalf("findings = %v, want new_device only", rep.Findings)
	}
	if rep.Findings[0].Severity != SeverityLow {
		t.Errorf("severity = %q, want low", rep.Findings[0].Severity)
	}
}

func TestEvaluate_UnusualHour(t *testing.T) {
	sc := NewScorer()
	var hist []*domain.Session
	// Five logins around 14:00 UTC on prior days.
	for i := 1; i <= 5; i++ {
		at := baseTime.AddDate(0, 0, -i)
		hist = append(hist, histSession("s-"+string(rune('0'+i)), "US", "fp-1", 0, 0, at))
	}
	at := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC) // 03:00, 11 hours off
	cand := histSession("s-new", "US", "fp-1", 0, 0, at)
	rep := sc.Evaluate(cand, hist, at)

	found := false
	for _, f := range rep.Findings {
		if f.Type == FindingUnusualHour {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unusual_hour finding, got %v", rep.Findings)
	}
}

func TestEvaluate_UnusualHourNeedsSamples(t *testing.T) {
	sc := NewScorer()
	hist := []*domain.Session{
		histSession("s-1", "US", "fp-1", 0, 0, baseTime.AddDate(0, 0, -1)),
		histSession("s-2", "US", "fp-1", 0, 0, baseTime.AddDate(0, 0, -2)),
	}
	at := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	cand := histSession("s-new", "US", "fp-1", 0, 0, at)
	rep := sc.Evaluate(cand, hist, at)
	for _, f := range rep.Findings {
		if f.Type == FindingUnusualHour {
			t.Fatalf("unusual_hour fired with only %d samples", len(hist))
		}
	}
}

func TestEvaluate_ImpossibleTravelNewYorkToLondon(t *testing.T) {
	sc := NewScorer()
	prior := histSession("s-nyc", "US", "fp-1", 40.7128, -74.0060, baseTime.Add(-time.Hour))
	cand := histSession("s-lon", "GB", "fp-1", 51.5074, -0.1278, baseTime)
	rep := sc.Evaluate(cand, []*domain.Session{prior}, baseTime)

	var travel *Finding
	for i := range rep.Findings {
		if rep.Findings[i].Type == FindingImpossibleTravel {
			travel = &rep.Findings[i]
		}
	}
	if travel == nil {
		t.Fatalf("expected impossible_travel finding, got %v", rep.Findings)
	}
	if travel.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", travel.Severity)
	}
	if travel.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", travel.Confidence)
	}
	if rep.RiskScore <= 0.8 {
		t.Errorf("risk score = %v, want > 0.8", rep.RiskScore)
	}
	if rep.RecommendedAction != ActionRevoke {
		t.Errorf("action = %q, want revoke", rep.RecommendedAction)
	}
}

func TestEvaluate_PlausibleTravelNoFinding(t *testing.T) {
	sc := NewScorer()
	// Boston to New York over 6 hours is well under the threshold.
	prior := histSession("s-bos", "US", "fp-1", 42.3601, -71.0589, baseTime.Add(-6*time.Hour))
	cand := histSession("s-nyc", "US", "fp-1", 40.7128, -74.0060, baseTime)
	rep := sc.Evaluate(cand, []*domain.Session{prior}, baseTime)
	for _, f := range rep.Findings {
		if f.Type == FindingImpossibleTravel {
			t.Fatalf("impossible_travel fired for plausible trip: %+v", f)
		}
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	d := haversineKm(40.7128, -74.0060, 51.5074, -0.1278)
	if math.Abs(d-5570) > 20 {
		t.Errorf("NYC-London distance = %.1f km, want ~5570", d)
	}
}

func TestRiskScore_WeakSignalsDoNotAccumulate(t *testing.T) {
	many := make([]Finding, 10)
	for i := range many {
		many[i] = Finding{Severity: SeverityLow, Confidence: 0.5}
	}
	score := riskScore(many)
	if score > 0.2 {
		t.Errorf("ten weak findings scored %v, should stay low", score)
	}
}

func TestRiskScore_CriticalNotDiluted(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityCritical, Confidence: 0.95},
		{Severity: SeverityLow, Confidence: 0.5},
		{Severity: SeverityLow, Confidence: 0.5},
	}
	if score := riskScore(findings); score < 0.95 {
		t.Errorf("critical finding diluted to %v", score)
	}
}

func TestCircularMeanHour_WrapsMidnight(t *testing.T) {
	mean := circularMeanHour([]float64{23, 1})
	if circularHourDistance(mean, 0) > 0.1 {
		t.Errorf("mean of 23h and 1h = %v, want ~0", mean)
	}
}
