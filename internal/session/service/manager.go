// Package service implements the session engine: creation under concurrency
// limits, refresh-token rotation with reuse detection, family revocation,
// anomaly evaluation, and background expiry.
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mileusna/useragent"

	"sessionguard/backend/internal/anomaly"
	"sessionguard/backend/internal/audit"
	"sessionguard/backend/internal/config"
	"sessionguard/backend/internal/events"
	"sessionguard/backend/internal/security"
	"sessionguard/backend/internal/session/domain"
	otelx "sessionguard/backend/internal/telemetry/otel"
)

// Store is the session persistence the engine depends on. Implemented by
// store.MemoryStore and repository.PostgresStore. Lookups return (nil, nil)
// when nothing matches.
type Store interface {
	Create(ctx context.Context, sess *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	ListByFamily(ctx context.Context, family string) ([]*domain.Session, error)
	CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error)
	CountActiveByDevice(ctx context.Context, deviceID string, now time.Time) (int, error)
	// CompareAndRotate atomically replaces the session's current refresh-token
	// hash, but only if it still equals oldHash. It is the linearization point
	// for concurrent refreshes: exactly one caller per token value wins.
	CompareAndRotate(ctx context.Context, sessionID, oldHash, newHash, accessJTI string, refreshExpiresAt, now time.Time) (*domain.Session, bool, error)
	Touch(ctx context.Context, id, accessJTI string, at time.Time) error
	UpdateNetwork(ctx context.Context, id, ip, userAgent string, loc *domain.Location) error
	SetSecurityFlags(ctx context.Context, id string, suspicious, highRisk, requiresReauth bool) error
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeFamily(ctx context.Context, family, reason string, at time.Time) (int, error)
	OldestActiveByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error)
	ExpireSessions(ctx context.Context, now time.Time) ([]string, error)
	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
}

// UsedTokenStore retains consumed refresh tokens for replay detection.
// Implemented by store.MemoryUsedTokens and store.RedisUsedTokens.
type UsedTokenStore interface {
	Get(ctx context.Context, tokenHash string, now time.Time) (*domain.UsedToken, error)
	Put(ctx context.Context, tokenHash string, rec *domain.UsedToken) error
	IncrementReplays(ctx context.Context, tokenHash string) (int, error)
	Prune(ctx context.Context, now time.Time) error
}

// AccessTokenMinter mints signed access tokens. Satisfied by security.TokenProvider.
type AccessTokenMinter interface {
	MintAccess(sessionID, userID, tenantID, deviceID string) (token string, jti string, expiresAt time.Time, err error)
}

var validate = validator.New()

// Manager is the engine facade. All methods are safe for concurrent use.
type Manager struct {
	store   Store
	used    UsedTokenStore
	minter  AccessTokenMinter
	prints  *security.Fingerprinter
	scorer  *anomaly.Scorer
	history *anomaly.History
	emitter events.Emitter
	auditor audit.AuditLogger
	metrics *otelx.Metrics

	sessionTTL      time.Duration
	refreshTTL      time.Duration
	rotationEnabled bool
	graceWindow     time.Duration
	graceMaxReplays int
	maxPerUser      int
	maxPerDevice    int
	limitAction     config.LimitAction
	revokeThreshold float64

	nowF func() time.Time
}

// NewManager wires the engine from configuration and its collaborators.
// emitter and auditor may be nil; no-op implementations are substituted.
func NewManager(cfg *config.Config, st Store, used UsedTokenStore, minter AccessTokenMinter, emitter events.Emitter, auditor audit.AuditLogger, metrics *otelx.Metrics) *Manager {
	if emitter == nil {
		emitter = events.Noop{}
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Manager{
		store:           st,
		used:            used,
		minter:          minter,
		prints:          security.NewFingerprinter(cfg.FingerprintSecret),
		scorer:          anomaly.NewScorer(),
		history:         anomaly.NewHistory(),
		emitter:         emitter,
		auditor:         auditor,
		metrics:         metrics,
		sessionTTL:      cfg.SessionLifetime(),
		refreshTTL:      cfg.RefreshLifetime(),
		rotationEnabled: cfg.RotationEnabled,
		graceWindow:     cfg.GraceWindow(),
		graceMaxReplays: cfg.GraceMaxReplays,
		maxPerUser:      cfg.MaxSessionsPerUser,
		maxPerDevice:    cfg.MaxSessionsPerDevice,
		limitAction:     cfg.LimitAction(),
		revokeThreshold: cfg.AutoRevokeThreshold,
		nowF:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateSessionParams carries everything known about the authenticated client
// at session creation. The caller has already authenticated the user.
type CreateSessionParams struct {
	UserID      string `validate:"required"`
	TenantID    string
	DeviceID    string
	IPAddress   string `validate:"omitempty,ip"`
	UserAgent   string
	Location    *domain.Location
	MFAVerified bool
	Metadata    map[string]string
}

// CreateResult returns the stored session together with the one-time plaintext
// refresh token. The token is never recoverable afterwards; only its hash is kept.
type CreateResult struct {
	Session         *domain.Session
	RefreshToken    string
	AccessToken     string
	AccessExpiresAt time.Time
	Anomaly         *anomaly.Report
}

// CreateSession opens a new session for an authenticated user, enforcing the
// per-user and per-device concurrency limits, minting the initial token pair
// and scoring the event against the user's session history.
func (m *Manager) CreateSession(ctx context.Context, params CreateSessionParams) (*CreateResult, error) {
	if err := validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid session params: %w", err)
	}
	now := m.nowF()

	if err := m.enforceLimits(ctx, params.UserID, params.TenantID, params.DeviceID, now); err != nil {
		return nil, err
	}

	prior, err := m.store.ListByUser(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}

	refreshToken, err := security.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	sess := &domain.Session{
		ID:                    security.NewSessionID(),
		UserID:                params.UserID,
		TenantID:              params.TenantID,
		DeviceID:              params.DeviceID,
		DeviceFingerprint:     m.prints.Fingerprint(params.DeviceID, params.UserAgent, params.IPAddress),
		DeviceName:            deviceName(params.UserAgent),
		IPAddress:             params.IPAddress,
		UserAgent:             params.UserAgent,
		Location:              params.Location,
		CreatedAt:             now,
		LastActivityAt:        now,
		ExpiresAt:             now.Add(m.sessionTTL),
		RefreshTokenExpiresAt: now.Add(m.refreshTTL),
		RefreshTokenHash:      security.HashToken(refreshToken),
		RefreshTokenFamily:    security.NewFamilyID(),
		Generation:            1,
		IsActive:              true,
		MFAVerified:           params.MFAVerified,
		Metadata:              params.Metadata,
	}

	accessToken, jti, accessExp, err := m.minter.MintAccess(sess.ID, sess.UserID, sess.TenantID, sess.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	sess.AccessTokenJTI = jti

	report := m.scorer.Evaluate(sess, prior, now)
	if report.HasFindings() {
		sess.SuspiciousActivity = true
		sess.HighRisk = report.RiskScore > 0.6
		sess.RequiresReauthentication = report.RecommendedAction == anomaly.ActionChallenge ||
			report.RecommendedAction == anomaly.ActionBlock
	}

	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.recordAnomalies(ctx, sess, report, now)
	if report.RecommendedAction == anomaly.ActionRevoke && report.RiskScore > m.revokeThreshold {
		if _, err := m.store.Revoke(ctx, sess.ID, "High-risk session", now); err == nil {
			sess.Revoked = true
			sess.IsActive = false
			sess.RevokedAt = &now
			sess.RevokedReason = "High-risk session"
			m.metrics.SessionRevoked(ctx, "high_risk")
			events.EmitAsync(m.emitter, sessionEvent(events.TypeSessionRevoked, sess, now).
				With("reason", "high_risk").
				With("risk_score", formatScore(report.RiskScore)))
		}
	}

	m.metrics.SessionCreated(ctx)
	events.EmitAsync(m.emitter, sessionEvent(events.TypeSessionCreated, sess, now).
		With("device_name", sess.DeviceName))
	m.auditor.LogEvent(ctx, sess.TenantID, sess.UserID, sess.ID, "session.create", "session", sess.DeviceName)

	return &CreateResult{
		Session:         sess.Clone(),
		RefreshToken:    refreshToken,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExp,
		Anomaly:         report,
	}, nil
}

// RevokeSession revokes a single session. Idempotent; revoking an unknown or
// already-revoked session is not an error.
func (m *Manager) RevokeSession(ctx context.Context, sessionID, reason string) error {
	now := m.nowF()
	changed, err := m.store.Revoke(ctx, sessionID, reason, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !changed {
		return nil
	}
	m.metrics.SessionRevoked(ctx, "manual")
	sess, _ := m.store.GetByID(ctx, sessionID)
	ev := events.New(events.TypeSessionRevoked, now).With("reason", reason)
	ev.SessionID = sessionID
	if sess != nil {
		ev.UserID = sess.UserID
		ev.TenantID = sess.TenantID
		ev.DeviceID = sess.DeviceID
		ev.Family = sess.RefreshTokenFamily
	}
	events.EmitAsync(m.emitter, ev)
	if sess != nil {
		m.auditor.LogEvent(ctx, sess.TenantID, sess.UserID, sessionID, "session.revoke", "session", reason)
	}
	return nil
}

// RevokeTokenFamily revokes every session in the refresh-token family. Used
// when any token in the lineage is known compromised.
func (m *Manager) RevokeTokenFamily(ctx context.Context, family, reason string) (int, error) {
	now := m.nowF()
	n, err := m.store.RevokeFamily(ctx, family, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	if n > 0 {
		m.metrics.SessionRevoked(ctx, "family")
		ev := events.New(events.TypeFamilyRevoked, now).
			With("reason", reason).
			With("sessions_revoked", strconv.Itoa(n))
		ev.Family = family
		events.EmitAsync(m.emitter, ev)
	}
	return n, nil
}

// IsSessionActive reports whether the session exists and is usable right now.
func (m *Manager) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.Active(m.nowF()), nil
}

// ListUserSessions returns all sessions for the user, active or not.
func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// GetStatistics returns aggregate counts over the store.
func (m *Manager) GetStatistics(ctx context.Context) (*domain.Stats, error) {
	return m.store.Stats(ctx, m.nowF())
}

// recordAnomalies persists scorer output: history entry, flags already set by
// the caller, anomaly events and the repeated-anomaly pattern check.
func (m *Manager) recordAnomalies(ctx context.Context, sess *domain.Session, report *anomaly.Report, now time.Time) {
	m.history.Add(sess.UserID, report)
	if !report.HasFindings() {
		return
	}
	for _, f := range report.Findings {
		m.metrics.Anomaly(ctx, string(f.Severity))
	}
	ev := sessionEvent(events.TypeAnomalyDetected, sess, now).
		With("risk_score", formatScore(report.RiskScore)).
		With("recommended_action", string(report.RecommendedAction))
	for i, f := range report.Findings {
		ev.With(fmt.Sprintf("finding_%d", i), string(f.Type))
	}
	events.EmitAsync(m.emitter, ev)
	m.auditor.LogEvent(ctx, sess.TenantID, sess.UserID, sess.ID, "session.anomaly", "session",
		string(report.RecommendedAction))

	if detected, count := m.history.PatternDetected(sess.UserID, now); detected {
		events.EmitAsync(m.emitter, sessionEvent(events.TypeAnomalyPattern, sess, now).
			With("anomalous_reports", strconv.Itoa(count)))
	}
}

// sessionEvent builds an event carrying the session's identifying fields.
func sessionEvent(t events.Type, sess *domain.Session, at time.Time) *events.Event {
	ev := events.New(t, at)
	ev.UserID = sess.UserID
	ev.TenantID = sess.TenantID
	ev.SessionID = sess.ID
	ev.DeviceID = sess.DeviceID
	ev.Family = sess.RefreshTokenFamily
	return ev
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}

// deviceName condenses a user-agent string into a short human-readable label.
func deviceName(uaString string) string {
	if uaString == "" {
		return ""
	}
	ua := useragent.Parse(uaString)
	name := ua.Name
	if ua.Version != "" {
		name += " " + ua.Version
	}
	if ua.OS != "" {
		name += " / " + ua.OS
	}
	return strings.TrimSpace(name)
}
