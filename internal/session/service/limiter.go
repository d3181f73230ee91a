package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sessionguard/backend/internal/config"
	"sessionguard/backend/internal/events"
)

// enforceLimits applies the per-device and per-user concurrency limits before
// a new session is created. The per-device limit always denies; the per-user
// limit follows the configured action. A limit of zero disables that check.
//
// The count and the insert are not atomic, so a burst of simultaneous creates
// can briefly overshoot the cap by the burst size. The reaper and the next
// enforcement converge back to the limit.
func (m *Manager) enforceLimits(ctx context.Context, userID, tenantID, deviceID string, now time.Time) error {
	if m.maxPerDevice > 0 && deviceID != "" {
		n, err := m.store.CountActiveByDevice(ctx, deviceID, now)
		if err != nil {
			return fmt.Errorf("count device sessions: %w", err)
		}
		if n >= m.maxPerDevice {
			m.metrics.LimitHit(ctx, "device")
			events.EmitAsync(m.emitter, limitEvent(userID, tenantID, deviceID, "device", n, now))
			return fmt.Errorf("%w: device has %d active sessions (limit %d)",
				ErrSessionLimitExceeded, n, m.maxPerDevice)
		}
	}

	if m.maxPerUser <= 0 {
		return nil
	}
	n, err := m.store.CountActiveByUser(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("count user sessions: %w", err)
	}
	if n < m.maxPerUser {
		return nil
	}

	m.metrics.LimitHit(ctx, "user")
	events.EmitAsync(m.emitter, limitEvent(userID, tenantID, deviceID, "user", n, now))

	switch m.limitAction {
	case config.LimitActionRevokeOldest:
		oldest, err := m.store.OldestActiveByUser(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("find oldest session: %w", err)
		}
		if oldest == nil {
			// Count said the user is at the limit but nothing is revocable;
			// fall back to denying rather than overshooting.
			return fmt.Errorf("%w: user has %d active sessions (limit %d)",
				ErrSessionLimitExceeded, n, m.maxPerUser)
		}
		if err := m.RevokeSession(ctx, oldest.ID, "Session limit exceeded"); err != nil {
			return err
		}
		return nil
	case config.LimitActionAlert:
		// Event already emitted; creation proceeds over the limit.
		return nil
	default: // deny
		return fmt.Errorf("%w: user has %d active sessions (limit %d)",
			ErrSessionLimitExceeded, n, m.maxPerUser)
	}
}

func limitEvent(userID, tenantID, deviceID, scope string, active int, at time.Time) *events.Event {
	ev := events.New(events.TypeSessionLimitExceeded, at).
		With("scope", scope).
		With("active_sessions", strconv.Itoa(active))
	ev.UserID = userID
	ev.TenantID = tenantID
	ev.DeviceID = deviceID
	return ev
}
