package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sessionguard/backend/internal/anomaly"
	"sessionguard/backend/internal/events"
	"sessionguard/backend/internal/security"
	"sessionguard/backend/internal/session/domain"
)

// RefreshContext is the network context observed on a refresh call. Optional:
// without it the refresh is scored against the session's recorded context.
type RefreshContext struct {
	IPAddress string
	UserAgent string
	Location  *domain.Location
}

// RefreshResult is the successor token pair issued by a refresh.
type RefreshResult struct {
	Session         *domain.Session
	AccessToken     string
	AccessExpiresAt time.Time
	// RefreshToken is the token to present on the next refresh. With rotation
	// enabled it is a new value every time; without, it echoes the presented one.
	RefreshToken string
	Family       string
	Generation   int
	Rotated      bool
	// GraceReplay is set when this response was served from the used-token
	// cache for a retry inside the grace window.
	GraceReplay bool
	Anomaly     *anomaly.Report
}

// RefreshSession exchanges a refresh token for a new access token, rotating
// the refresh token when rotation is enabled. Presenting an already-consumed
// token outside the grace window revokes the whole token family and returns
// ErrReuseDetected.
func (m *Manager) RefreshSession(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	return m.RefreshSessionWithContext(ctx, refreshToken, nil)
}

// RefreshSessionWithContext is RefreshSession with the caller's current
// network context, which updates the session and feeds anomaly scoring.
func (m *Manager) RefreshSessionWithContext(ctx context.Context, refreshToken string, rc *RefreshContext) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}
	now := m.nowF()
	hash := security.HashToken(refreshToken)

	sess, err := m.store.GetByTokenHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		return m.resolveUnknownToken(ctx, hash, now)
	}
	if !sess.Active(now) {
		return nil, ErrSessionInactive
	}
	if now.After(sess.RefreshTokenExpiresAt) {
		return nil, ErrTokenExpired
	}

	accessToken, jti, accessExp, err := m.minter.MintAccess(sess.ID, sess.UserID, sess.TenantID, sess.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	if !m.rotationEnabled {
		if err := m.store.Touch(ctx, sess.ID, jti, now); err != nil {
			return nil, fmt.Errorf("touch session: %w", err)
		}
		return m.finishRefresh(ctx, sess, sess, rc, &RefreshResult{
			AccessToken:     accessToken,
			AccessExpiresAt: accessExp,
			RefreshToken:    refreshToken,
			Family:          sess.RefreshTokenFamily,
			Generation:      sess.Generation,
			Rotated:         false,
		}, now)
	}

	newToken, err := security.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	rotated, ok, err := m.store.CompareAndRotate(ctx, sess.ID, hash, security.HashToken(newToken), jti,
		now.Add(m.refreshTTL), now)
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !ok {
		// Lost the race: a concurrent refresh consumed this token between
		// lookup and swap. Resolve against the used-token table, which the
		// winner populates just after the swap.
		return m.resolveUnknownToken(ctx, hash, now)
	}

	if err := m.used.Put(ctx, hash, &domain.UsedToken{
		SessionID:       rotated.ID,
		Family:          rotated.RefreshTokenFamily,
		UsedAt:          now,
		AccessToken:     accessToken,
		RefreshToken:    newToken,
		Generation:      rotated.Generation,
		AccessExpiresAt: accessExp,
	}); err != nil {
		return nil, fmt.Errorf("record used token: %w", err)
	}

	m.metrics.Rotation(ctx)
	return m.finishRefresh(ctx, sess, rotated, rc, &RefreshResult{
		AccessToken:     accessToken,
		AccessExpiresAt: accessExp,
		RefreshToken:    newToken,
		Family:          rotated.RefreshTokenFamily,
		Generation:      rotated.Generation,
		Rotated:         true,
	}, now)
}

// finishRefresh applies the caller's network context, scores the refresh
// against the user's other sessions and the pre-refresh snapshot, enforces
// the auto-revoke threshold, and emits the refreshed event. prev is the
// session as it was before this refresh: its last-activity time and location
// anchor the travel-speed check.
func (m *Manager) finishRefresh(ctx context.Context, prev, sess *domain.Session, rc *RefreshContext, res *RefreshResult, now time.Time) (*RefreshResult, error) {
	candidate := sess.Clone()
	candidate.LastActivityAt = now
	if rc != nil {
		if err := m.store.UpdateNetwork(ctx, sess.ID, rc.IPAddress, rc.UserAgent, rc.Location); err != nil {
			return nil, fmt.Errorf("update session network: %w", err)
		}
		if rc.IPAddress != "" {
			candidate.IPAddress = rc.IPAddress
		}
		if rc.UserAgent != "" {
			candidate.UserAgent = rc.UserAgent
		}
		if rc.Location != nil {
			loc := *rc.Location
			candidate.Location = &loc
		}
	}

	prior, err := m.store.ListByUser(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	// Keep the pre-refresh snapshot in the comparison set so movement within
	// a single session is still visible to the velocity check.
	snapshot := make([]*domain.Session, 0, len(prior))
	for _, p := range prior {
		if p.ID != sess.ID {
			snapshot = append(snapshot, p)
		}
	}
	snapshot = append(snapshot, prev)

	report := m.scorer.Evaluate(candidate, snapshot, now)
	res.Anomaly = report
	if report.HasFindings() {
		highRisk := report.RiskScore > 0.6
		reauth := report.RecommendedAction == anomaly.ActionChallenge ||
			report.RecommendedAction == anomaly.ActionBlock
		if err := m.store.SetSecurityFlags(ctx, sess.ID, true, highRisk, reauth); err != nil {
			return nil, fmt.Errorf("set security flags: %w", err)
		}
		candidate.SuspiciousActivity = true
		candidate.HighRisk = highRisk
		candidate.RequiresReauthentication = reauth
	}
	m.recordAnomalies(ctx, candidate, report, now)

	if report.RecommendedAction == anomaly.ActionRevoke && report.RiskScore > m.revokeThreshold {
		if _, err := m.store.Revoke(ctx, sess.ID, "High-risk refresh", now); err != nil {
			return nil, fmt.Errorf("revoke high-risk session: %w", err)
		}
		m.metrics.SessionRevoked(ctx, "high_risk")
		events.EmitAsync(m.emitter, sessionEvent(events.TypeSessionRevoked, candidate, now).
			With("reason", "high_risk").
			With("risk_score", formatScore(report.RiskScore)))
		return nil, ErrSessionInactive
	}

	events.EmitAsync(m.emitter, sessionEvent(events.TypeSessionRefreshed, candidate, now).
		With("generation", strconv.Itoa(res.Generation)).
		With("rotated", strconv.FormatBool(res.Rotated)))
	res.Session = candidate
	return res, nil
}

// resolveUnknownToken decides what an unrecognized refresh token means: a
// never-issued token, a benign in-window retry, or a replay attack.
func (m *Manager) resolveUnknownToken(ctx context.Context, hash string, now time.Time) (*RefreshResult, error) {
	rec, err := m.used.Get(ctx, hash, now)
	if err != nil {
		return nil, fmt.Errorf("lookup used token: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}

	if now.Sub(rec.UsedAt) <= m.graceWindow {
		replays, err := m.used.IncrementReplays(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("count token replays: %w", err)
		}
		if replays <= m.graceMaxReplays {
			sess, err := m.store.GetByID(ctx, rec.SessionID)
			if err != nil {
				return nil, fmt.Errorf("lookup session: %w", err)
			}
			if sess == nil || !sess.Active(now) {
				return nil, ErrSessionInactive
			}
			return &RefreshResult{
				Session:         sess,
				AccessToken:     rec.AccessToken,
				AccessExpiresAt: rec.AccessExpiresAt,
				RefreshToken:    rec.RefreshToken,
				Family:          rec.Family,
				Generation:      rec.Generation,
				Rotated:         true,
				GraceReplay:     true,
			}, nil
		}
		// Too many retries inside the window is no longer plausible client
		// behavior; treat it like a replay outside the window.
	}

	return nil, m.handleReuse(ctx, rec, now)
}

// handleReuse is the response to a proven refresh-token replay: revoke every
// session in the family and raise the attack events.
func (m *Manager) handleReuse(ctx context.Context, rec *domain.UsedToken, now time.Time) error {
	m.metrics.ReuseAttack(ctx)

	n, err := m.store.RevokeFamily(ctx, rec.Family, "Token family compromised", now)
	if err != nil {
		return fmt.Errorf("revoke compromised family: %w", err)
	}

	sess, _ := m.store.GetByID(ctx, rec.SessionID)
	attack := events.New(events.TypeReuseAttack, now).
		With("generation", strconv.Itoa(rec.Generation))
	attack.SessionID = rec.SessionID
	attack.Family = rec.Family
	revoked := events.New(events.TypeFamilyRevoked, now).
		With("reason", "Token family compromised").
		With("sessions_revoked", strconv.Itoa(n))
	revoked.Family = rec.Family
	if sess != nil {
		attack.UserID = sess.UserID
		attack.TenantID = sess.TenantID
		attack.DeviceID = sess.DeviceID
		revoked.UserID = sess.UserID
		revoked.TenantID = sess.TenantID
		m.auditor.LogEvent(ctx, sess.TenantID, sess.UserID, rec.SessionID,
			"session.reuse_attack", "token_family", rec.Family)
	}
	events.EmitAsync(m.emitter, attack)
	events.EmitAsync(m.emitter, revoked)
	if n > 0 {
		m.metrics.SessionRevoked(ctx, "family")
	}
	return ErrReuseDetected
}
