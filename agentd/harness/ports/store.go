package harnessports

import (
	"context"
	"time"
)

// Turn represents a conversational exchange.
type Turn struct {
	Role      string    // "user" | "assistant" | "system" | "tool"
	Content   string    // text or JSON string (for tool outputs)
	CreatedAt time.Time // server-side timestamp
}

// ConversationStore persists conversation context and tool artifacts.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns
	AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error
}

// AuditRecord summarizes one completed turn for the audit sink.
type AuditRecord struct {
	ConversationID string
	UserID         string
	Prompt         string
	Response       string
	ToolSummary    string // compact description of the calls made this turn
	CreatedAt      time.Time
}

// AuditSink receives one record per completed turn. Failures are logged by
// the caller and never propagated.
type AuditSink interface {
	Write(ctx context.Context, record AuditRecord) error
}
