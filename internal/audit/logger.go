package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"sessionguard/backend/internal/audit/domain"
	auditrepo "sessionguard/backend/internal/audit/repository"
)

// SentinelTenantID is the tenant_id used for audit entries that have no tenant
// (e.g. a refresh with an unknown token).
const SentinelTenantID = "_system"

// AuditLogger writes a single audit entry with explicit action/resource. Used
// by the session lifecycle and security-incident code paths.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, tenantID, userID, sessionID, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo}
}

// LogEvent writes one audit entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, tenantID, userID, sessionID, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	if tenantID == "" {
		tenantID = SentinelTenantID
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}

// Nop is an AuditLogger that records nothing.
type Nop struct{}

func (Nop) LogEvent(context.Context, string, string, string, string, string, string) {}
