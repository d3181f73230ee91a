package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"sessionguard/backend/internal/session/domain"
)

const (
	// earthRadiusKm is the mean Earth radius used for great-circle distance.
	earthRadiusKm = 6371.0
	// maxPlausibleSpeedKmh is faster than any commercial flight; implied travel
	// above it is treated as impossible.
	maxPlausibleSpeedKmh = 900.0
	// minHourSamples is the minimum history size before the unusual-hour check applies.
	minHourSamples = 5
	// hourDeviationThreshold is how far (in hours, circular) from the mean login
	// hour an event must be to count as unusual.
	hourDeviationThreshold = 6.0
)

// Score thresholds for the recommended action.
const (
	revokeThreshold    = 0.8
	blockThreshold     = 0.6
	challengeThreshold = 0.4
)

// Scorer evaluates candidate sessions against a user's history. Stateless and
// safe for concurrent use.
type Scorer struct{}

// NewScorer returns a Scorer.
func NewScorer() *Scorer { return &Scorer{} }

// Evaluate inspects the candidate event against the user's prior sessions and
// returns a report with zero or more findings, a composite risk score, and a
// recommended action. now is the time of the evaluated event. history must not
// contain the candidate event itself, but may contain an earlier snapshot of
// the same session when scoring a refresh.
func (sc *Scorer) Evaluate(candidate *domain.Session, history []*domain.Session, now time.Time) *Report {
	prior := make([]*domain.Session, 0, len(history))
	for _, h := range history {
		if h == nil {
			continue
		}
		prior = append(prior, h)
	}

	var findings []Finding
	if f := checkCountry(candidate, prior); f != nil {
		findings = append(findings, *f)
	}
	if f := checkDevice(candidate, prior); f != nil {
		findings = append(findings, *f)
	}
	if f := checkHour(prior, now); f != nil {
		findings = append(findings, *f)
	}
	if f := checkVelocity(candidate, prior, now); f != nil {
		findings = append(findings, *f)
	}

	score := riskScore(findings)
	return &Report{
		SessionID:         candidate.ID,
		Findings:          findings,
		RiskScore:         score,
		RecommendedAction: recommend(score),
		CreatedAt:         now,
	}
}

// riskScore averages severity-weighted confidences so many weak signals do not
// grow without bound, then floors the result at the strongest single signal so
// weak findings cannot dilute a critical one.
func riskScore(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum, strongest float64
	for _, f := range findings {
		v := f.Severity.weight() * f.Confidence
		sum += v
		if v > strongest {
			strongest = v
		}
	}
	score := sum / float64(len(findings))
	if strongest > score {
		score = strongest
	}
	if score > 1 {
		score = 1
	}
	return score
}

func recommend(score float64) Action {
	switch {
	case score > revokeThreshold:
		return ActionRevoke
	case score > blockThreshold:
		return ActionBlock
	case score > challengeThreshold:
		return ActionChallenge
	default:
		return ActionAllow
	}
}

func checkCountry(candidate *domain.Session, prior []*domain.Session) *Finding {
	if candidate.Location == nil || candidate.Location.Country == "" {
		return nil
	}
	seenAny := false
	for _, h := range prior {
		if h.Location == nil || h.Location.Country == "" {
			continue
		}
		seenAny = true
		if h.Location.Country == candidate.Location.Country {
			return nil
		}
	}
	if !seenAny {
		return nil
	}
	return &Finding{
		Type:        FindingNewCountry,
		Description: fmt.Sprintf("login from previously unseen country %s", candidate.Location.Country),
		Severity:    SeverityMedium,
		Confidence:  0.7,
		Details:     map[string]string{"country": candidate.Location.Country},
	}
}

func checkDevice(candidate *domain.Session, prior []*domain.Session) *Finding {
	if candidate.DeviceFingerprint == "" || len(prior) == 0 {
		return nil
	}
	for _, h := range prior {
		if h.DeviceFingerprint == candidate.DeviceFingerprint {
			return nil
		}
	}
	return &Finding{
		Type:        FindingNewDevice,
		Description: "login from previously unseen device fingerprint",
		Severity:    SeverityLow,
		Confidence:  0.6,
		Details:     map[string]string{"fingerprint": candidate.DeviceFingerprint},
	}
}

func checkHour(prior []*domain.Session, now time.Time) *Finding {
	if len(prior) < minHourSamples {
		return nil
	}
	hours := make([]float64, 0, len(prior))
	for _, h := range prior {
		hours = append(hours, float64(h.CreatedAt.UTC().Hour()))
	}
	mean := circularMeanHour(hours)
	cur := float64(now.UTC().Hour())
	if circularHourDistance(cur, mean) <= hourDeviationThreshold {
		return nil
	}
	return &Finding{
		Type:        FindingUnusualHour,
		Description: fmt.Sprintf("login at hour %02d, far from usual hour %02d", int(cur), int(mean+0.5)%24),
		Severity:    SeverityLow,
		Confidence:  0.5,
		Details: map[string]string{
			"hour":      fmt.Sprintf("%d", int(cur)),
			"mean_hour": fmt.Sprintf("%.1f", mean),
		},
	}
}

func checkVelocity(candidate *domain.Session, prior []*domain.Session, now time.Time) *Finding {
	if !candidate.Location.HasCoordinates() {
		return nil
	}
	// Most recent prior session with known coordinates.
	sorted := make([]*domain.Session, len(prior))
	copy(sorted, prior)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastActivityAt.After(sorted[j].LastActivityAt)
	})
	var last *domain.Session
	for _, h := range sorted {
		if h.Location.HasCoordinates() {
			last = h
			break
		}
	}
	if last == nil {
		return nil
	}
	elapsed := now.Sub(last.LastActivityAt).Hours()
	if elapsed <= 0 {
		elapsed = 1.0 / 3600 // clamp to one second; simultaneous events at distance are still impossible
	}
	dist := haversineKm(last.Location.Lat, last.Location.Lon, candidate.Location.Lat, candidate.Location.Lon)
	speed := dist / elapsed
	if speed <= maxPlausibleSpeedKmh {
		return nil
	}
	return &Finding{
		Type:        FindingImpossibleTravel,
		Description: fmt.Sprintf("implied travel speed %.0f km/h over %.0f km", speed, dist),
		Severity:    SeverityCritical,
		Confidence:  0.95,
		Details: map[string]string{
			"distance_km": fmt.Sprintf("%.1f", dist),
			"speed_kmh":   fmt.Sprintf("%.1f", speed),
		},
	}
}

// haversineKm returns the great-circle distance between two points in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// circularMeanHour averages hours on the 24h circle so 23:00 and 01:00 mean 00:00.
func circularMeanHour(hours []float64) float64 {
	var sin, cos float64
	for _, h := range hours {
		rad := h / 24 * 2 * math.Pi
		sin += math.Sin(rad)
		cos += math.Cos(rad)
	}
	mean := math.Atan2(sin, cos) / (2 * math.Pi) * 24
	if mean < 0 {
		mean += 24
	}
	return mean
}

// circularHourDistance returns the shortest distance between two hours on the 24h circle.
func circularHourDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 12 {
		d = 24 - d
	}
	return d
}
