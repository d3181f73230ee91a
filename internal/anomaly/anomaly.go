// Package anomaly scores session and refresh events against a user's session
// history. The scorer is pure: it only recommends, it never enforces.
package anomaly

import "time"

// Severity grades a single finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// weight returns the scoring weight for the severity.
func (s Severity) weight() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.8
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// Action is the scorer's recommendation for the evaluated event.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
	ActionRevoke    Action = "revoke"
)

// FindingType identifies the detection that produced a finding.
type FindingType string

const (
	FindingNewCountry       FindingType = "new_country"
	FindingNewDevice        FindingType = "new_device"
	FindingUnusualHour      FindingType = "unusual_hour"
	FindingImpossibleTravel FindingType = "impossible_travel"
)

// Finding is one independent anomaly signal.
type Finding struct {
	Type        FindingType
	Description string
	Severity    Severity
	Confidence  float64 // 0..1
	Details     map[string]string
}

// Report is the scorer output for one evaluated event.
type Report struct {
	SessionID         string
	Findings          []Finding
	RiskScore         float64 // 0..1
	RecommendedAction Action
	CreatedAt         time.Time
}

// HasFindings reports whether the evaluation produced at least one anomaly.
func (r *Report) HasFindings() bool {
	return r != nil && len(r.Findings) > 0
}
