package domain

import "time"

// AuditLog represents one recorded security-relevant action.
type AuditLog struct {
	ID        string
	TenantID  string
	UserID    string
	SessionID string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
