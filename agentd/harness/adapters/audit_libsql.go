package adapters

import (
	"context"
	"database/sql"
	"fmt"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// LibSQLAuditSink writes one audit record per completed turn.
type LibSQLAuditSink struct {
	db *sql.DB
}

// NewLibSQLAuditSink creates an audit sink over an open database.
func NewLibSQLAuditSink(db *sql.DB) *LibSQLAuditSink {
	return &LibSQLAuditSink{db: db}
}

// Write appends the record to the audit log.
func (a *LibSQLAuditSink) Write(ctx context.Context, record ports.AuditRecord) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (conversation_id, user_id, prompt, response, tool_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ConversationID, record.UserID, record.Prompt, record.Response, record.ToolSummary, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

var _ ports.AuditSink = (*LibSQLAuditSink)(nil)
