// audit.go
package agoranet

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// AuditLevel mirrors the severity recorded in the audit table.
type AuditLevel string

const (
	AuditLevelInfo  AuditLevel = "info"
	AuditLevelWarn  AuditLevel = "warn"
	AuditLevelError AuditLevel = "error"
)

var (
	auditRepoMu sync.RWMutex
	auditRepo   AuditRepository

	nodeMetaMu sync.RWMutex
	localNodeID string
)

// SetAuditRepository installs the repository backing RecordAudit.
func SetAuditRepository(repo AuditRepository) {
	auditRepoMu.Lock()
	defer auditRepoMu.Unlock()
	auditRepo = repo
}

// SetNodeID stores this process's node id, stamped on every audit entry.
func SetNodeID(id string) {
	nodeMetaMu.Lock()
	defer nodeMetaMu.Unlock()
	localNodeID = id
}

func getNodeID() string {
	nodeMetaMu.RLock()
	defer nodeMetaMu.RUnlock()
	return localNodeID
}

// RecordAudit persists a structured audit log and mirrors it to the
// structured logger. It never blocks the caller on a missing repository
// (used before storage is wired during boot) and never panics on a
// backend failure (§9: the bus/cursor/vector singletons have explicit
// init/teardown, not ambient global mutation of caller state).
func RecordAudit(ctx context.Context, level AuditLevel, component, action, message string, fields map[string]any) {
	auditRepoMu.RLock()
	repo := auditRepo
	auditRepoMu.RUnlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, reqID := WithRequestID(ctx)

	payload := ""
	if len(fields) > 0 {
		if data, err := json.Marshal(fields); err == nil {
			payload = string(data)
		}
	}

	if repo != nil {
		entry := &AuditLog{
			Component:  component,
			Action:     action,
			Level:      string(level),
			Message:    message,
			Payload:    payload,
			RequestID:  reqID,
			NodeID:     getNodeID(),
			OccurredAt: time.Now(),
		}
		if principal, ok := PrincipalFromContext(ctx); ok {
			entry.ActorDID = principal.SubjectDID
		}
		if err := repo.AppendAudit(entry); err != nil {
			Logger().Warn("audit_append_failed", "err", err, "component", component, "action", action)
		}
	}

	Logger().Info("audit", "component", component, "action", action, "level", level,
		"message", message, "request_id", reqID, "fields", fields)
}
