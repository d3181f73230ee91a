package audit

import (
	"context"
	"errors"
	"testing"

	"sessionguard/backend/internal/audit/domain"
)

// mockAuditRepo implements the audit repository interface for tests.
type mockAuditRepo struct {
	entries   []*domain.AuditLog
	createErr error
}

func (m *mockAuditRepo) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	return nil, nil
}

func (m *mockAuditRepo) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)

	logger.LogEvent(context.Background(), "tenant-1", "user-1", "sess-1", "session_revoked", "session", `{"reason":"test"}`)

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.TenantID != "tenant-1" || entry.UserID != "user-1" || entry.SessionID != "sess-1" {
		t.Errorf("entry identity = %+v", entry)
	}
	if entry.Action != "session_revoked" || entry.Resource != "session" {
		t.Errorf("entry action/resource = %q/%q", entry.Action, entry.Resource)
	}
	if entry.ID == "" || entry.CreatedAt.IsZero() {
		t.Error("entry missing id or timestamp")
	}
}

func TestLogger_LogEvent_EmptyTenantUsesSentinel(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)

	logger.LogEvent(context.Background(), "", "user-1", "", "refresh_reuse", "refresh_token", "")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].TenantID != SentinelTenantID {
		t.Errorf("tenant = %q, want %q", repo.entries[0].TenantID, SentinelTenantID)
	}
}

func TestLogger_LogEvent_RepoErrorIsSwallowed(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("db down")}
	logger := NewLogger(repo)

	// Must not panic or propagate.
	logger.LogEvent(context.Background(), "t", "u", "s", "a", "r", "")
}

func TestLogger_NilReceiverAndRepo(t *testing.T) {
	var l *Logger
	l.LogEvent(context.Background(), "t", "u", "s", "a", "r", "")
	NewLogger(nil).LogEvent(context.Background(), "t", "u", "s", "a", "r", "")
}
