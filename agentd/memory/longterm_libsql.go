package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// LibSQLLongTermStore persists promoted long-term entries in the embedded
// database so a user's cross-conversation memory survives restarts.
type LibSQLLongTermStore struct {
	db *sql.DB
}

var _ LongTermSink = (*LibSQLLongTermStore)(nil)

// NewLibSQLLongTermStore creates a long-term store over an open database.
func NewLibSQLLongTermStore(db *sql.DB) *LibSQLLongTermStore {
	return &LibSQLLongTermStore{db: db}
}

// Save upserts the entry; promotion overwrites the previous summary for the
// same conversation.
func (s *LibSQLLongTermStore) Save(ctx context.Context, entry LongTermEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO long_term_memory (id, user_id, summary, keywords, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Summary, entry.Keywords, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save long-term entry: %w", err)
	}
	return nil
}

// LoadForUser returns the user's unexpired entries, newest first. Used to
// warm the in-memory tier at startup via Store.RestoreLongTerm.
func (s *LibSQLLongTermStore) LoadForUser(ctx context.Context, userID string) ([]LongTermEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, summary, keywords, created_at, expires_at
		FROM long_term_memory
		WHERE user_id = ? AND expires_at > CURRENT_TIMESTAMP
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load long-term entries: %w", err)
	}
	defer rows.Close()

	var entries []LongTermEntry
	for rows.Next() {
		var e LongTermEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Summary, &e.Keywords, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan long-term entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
