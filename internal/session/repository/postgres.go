// Package repository persists sessions to Postgres. It implements the same
// contract as the in-memory store; the compare-and-swap on the refresh-token
// hash is pushed down to a conditional UPDATE so rotation stays atomic across
// engine replicas sharing one database.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sessionguard/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, tenant_id, device_id, device_fingerprint, device_name,
	ip_address, user_agent, location_country, location_region, location_city, location_lat, location_lon,
	created_at, last_activity_at, expires_at, refresh_token_expires_at,
	refresh_token_hash, refresh_token_family, generation, access_token_jti,
	is_active, revoked, revoked_at, revoked_reason,
	mfa_verified, suspicious_activity, high_risk, requires_reauthentication, metadata`

// PostgresStore stores sessions in the sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a session store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the session. The id must be unset in the table.
func (s *PostgresStore) Create(ctx context.Context, sess *domain.Session) error {
	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}
	var country, region, city string
	var lat, lon sql.NullFloat64
	if sess.Location != nil {
		country, region, city = sess.Location.Country, sess.Location.Region, sess.Location.City
		lat = sql.NullFloat64{Float64: sess.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: sess.Location.Lon, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		sess.ID, sess.UserID, sess.TenantID, sess.DeviceID, sess.DeviceFingerprint, sess.DeviceName,
		sess.IPAddress, sess.UserAgent, country, region, city, lat, lon,
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, sess.RefreshTokenExpiresAt,
		sess.RefreshTokenHash, sess.RefreshTokenFamily, sess.Generation, sess.AccessTokenJTI,
		sess.IsActive, sess.Revoked, sess.RevokedAt, sess.RevokedReason,
		sess.MFAVerified, sess.SuspiciousActivity, sess.HighRisk, sess.RequiresReauthentication, meta)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID returns the session, or nil when no row matches.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// GetByTokenHash returns the session whose current refresh token has the given
// hash, or nil. Rotated-away hashes match no row.
func (s *PostgresStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, tokenHash)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListByUser returns all sessions for the user, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListByFamily returns all sessions in the refresh-token family.
func (s *PostgresStore) ListByFamily(ctx context.Context, family string) ([]*domain.Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_family = $1 ORDER BY created_at DESC`, family)
}

func (s *PostgresStore) list(ctx context.Context, query string, arg any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountActiveByUser counts the user's usable sessions as of now.
func (s *PostgresStore) CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions
		WHERE user_id = $1 AND is_active AND NOT revoked AND expires_at > $2`, userID, now).Scan(&n)
	return n, err
}

// CountActiveByDevice counts usable sessions bound to the device as of now.
func (s *PostgresStore) CountActiveByDevice(ctx context.Context, deviceID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions
		WHERE device_id = $1 AND is_active AND NOT revoked AND expires_at > $2`, deviceID, now).Scan(&n)
	return n, err
}

// CompareAndRotate swaps the refresh-token hash only if the stored hash still
// equals oldHash, bumping the generation. The conditional UPDATE makes exactly
// one concurrent caller per token value win, even across replicas.
func (s *PostgresStore) CompareAndRotate(ctx context.Context, sessionID, oldHash, newHash, accessJTI string, refreshExpiresAt, now time.Time) (*domain.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET refresh_token_hash = $1,
		    generation = generation + 1,
		    access_token_jti = $2,
		    refresh_token_expires_at = $3,
		    last_activity_at = $4
		WHERE id = $5 AND refresh_token_hash = $6 AND is_active AND NOT revoked
		RETURNING `+sessionColumns,
		newHash, accessJTI, refreshExpiresAt, now, sessionID, oldHash)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rotate session: %w", err)
	}
	return sess, true, nil
}

// Touch updates last activity and the access-token jti.
func (s *PostgresStore) Touch(ctx context.Context, id, accessJTI string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $1,
		    access_token_jti = CASE WHEN $2 = '' THEN access_token_jti ELSE $2 END
		WHERE id = $3`, at, accessJTI, id)
	return err
}

// UpdateNetwork records the network context seen on a refresh. Empty fields
// leave the stored values untouched.
func (s *PostgresStore) UpdateNetwork(ctx context.Context, id, ip, userAgent string, loc *domain.Location) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET ip_address = COALESCE(NULLIF($1, ''), ip_address),
		    user_agent = COALESCE(NULLIF($2, ''), user_agent)
		WHERE id = $3`, ip, userAgent, id)
	if err != nil {
		return err
	}
	if loc == nil {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET location_country = $1, location_region = $2, location_city = $3,
		    location_lat = $4, location_lon = $5
		WHERE id = $6`, loc.Country, loc.Region, loc.City, loc.Lat, loc.Lon, id)
	return err
}

// SetSecurityFlags overwrites the anomaly-driven flags.
func (s *PostgresStore) SetSecurityFlags(ctx context.Context, id string, suspicious, highRisk, requiresReauth bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET suspicious_activity = $1, high_risk = $2, requires_reauthentication = $3
		WHERE id = $4`, suspicious, highRisk, requiresReauth, id)
	return err
}

// Revoke marks the session revoked. Idempotent: an already-revoked session
// reports changed=false.
func (s *PostgresStore) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET revoked = TRUE, is_active = FALSE, revoked_at = $1, revoked_reason = $2
		WHERE id = $3 AND NOT revoked`, at, reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeFamily revokes every not-yet-revoked session in the family and
// returns how many were revoked.
func (s *PostgresStore) RevokeFamily(ctx context.Context, family, reason string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET revoked = TRUE, is_active = FALSE, revoked_at = $1, revoked_reason = $2
		WHERE refresh_token_family = $3 AND NOT revoked`, at, reason, family)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// OldestActiveByUser returns the user's longest-lived usable session, or nil.
func (s *PostgresStore) OldestActiveByUser(ctx context.Context, userID string, now time.Time) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND is_active AND NOT revoked AND expires_at > $2
		ORDER BY created_at ASC LIMIT 1`, userID, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ExpireSessions deactivates sessions past their expiry without revoking them
// and returns their ids.
func (s *PostgresStore) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET is_active = FALSE
		WHERE is_active AND NOT revoked AND expires_at <= $1
		RETURNING id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats aggregates counts over the whole table.
func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE is_active AND NOT revoked AND expires_at > $1),
		       count(*) FILTER (WHERE revoked),
		       count(*) FILTER (WHERE high_risk),
		       count(DISTINCT refresh_token_family),
		       count(DISTINCT user_id),
		       count(DISTINCT device_id) FILTER (WHERE device_id <> '')
		FROM sessions`, now).
		Scan(&st.Total, &st.Active, &st.Revoked, &st.HighRisk, &st.Families, &st.UniqueUsers, &st.UniqueDevices)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var country, region, city string
	var lat, lon sql.NullFloat64
	var revokedAt sql.NullTime
	var meta []byte
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.TenantID, &sess.DeviceID, &sess.DeviceFingerprint, &sess.DeviceName,
		&sess.IPAddress, &sess.UserAgent, &country, &region, &city, &lat, &lon,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt, &sess.RefreshTokenExpiresAt,
		&sess.RefreshTokenHash, &sess.RefreshTokenFamily, &sess.Generation, &sess.AccessTokenJTI,
		&sess.IsActive, &sess.Revoked, &revokedAt, &sess.RevokedReason,
		&sess.MFAVerified, &sess.SuspiciousActivity, &sess.HighRisk, &sess.RequiresReauthentication, &meta)
	if err != nil {
		return nil, err
	}
	if country != "" || region != "" || city != "" || lat.Valid || lon.Valid {
		sess.Location = &domain.Location{
			Country: country, Region: region, City: city,
			Lat: lat.Float64, Lon: lon.Float64,
		}
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		sess.RevokedAt = &at
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	return b, nil
}
