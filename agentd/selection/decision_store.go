package selection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// LibSQLDecisionStore persists tool-selection decisions for observability.
type LibSQLDecisionStore struct {
	db *sql.DB
}

// NewLibSQLDecisionStore creates a decision sink over an open database.
func NewLibSQLDecisionStore(db *sql.DB) *LibSQLDecisionStore {
	return &LibSQLDecisionStore{db: db}
}

// Record inserts the decision. Decisions are write-once; conflicts on id
// are rejected by the primary key.
func (s *LibSQLDecisionStore) Record(ctx context.Context, decision *Decision) error {
	toolsJSON, err := json.Marshal(decision.ToolNames())
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}
	confJSON, err := json.Marshal(decision.Probabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal confidences: %w", err)
	}

	query := `
		INSERT INTO tool_selection_decisions (id, query, method, tools, confidences, avg_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		decision.ID, decision.Query, string(decision.Method),
		string(toolsJSON), string(confJSON), decision.AvgConfidence, decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

var _ DecisionSink = (*LibSQLDecisionStore)(nil)
