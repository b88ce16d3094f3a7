package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the originator of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// Message is an ordered unit of conversation content. Seq is allocated by the
// store and is the authoritative order within a session; CreatedAt is
// advisory only.
type Message struct {
	SessionID  uuid.UUID   `json:"session_id"`
	Seq        int64       `json:"seq"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	Format     string      `json:"format,omitempty"` // "text", "markdown", "json"
	Model      string      `json:"model,omitempty"`
	TokenCount int         `json:"token_count,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ToolCall is a discrete agent-invoked action. Output, OK, and ShouldContinue
// stay unset until the call resolves; resolution completes the same row.
type ToolCall struct {
	SessionID      uuid.UUID       `json:"session_id"`
	Seq            int64           `json:"seq"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	OK             *bool           `json:"ok,omitempty"`
	ShouldContinue bool            `json:"should_continue"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HistoryEntry is one element of the merged Message+ToolCall stream, ordered
// by the shared per-session sequence counter. Exactly one of Message or
// ToolCall is set.
type HistoryEntry struct {
	Seq      int64     `json:"seq"`
	Message  *Message  `json:"message,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// HistoryRepository appends and retrieves the ordered conversation record.
// The store owns the sequence counter: appends fill in Seq on the passed
// value, and concurrent appends within one session never collide.
type HistoryRepository interface {
	AppendMessage(ctx context.Context, m *Message) error
	AppendToolCall(ctx context.Context, tc *ToolCall) error
	CompleteToolCall(ctx context.Context, sessionID uuid.UUID, seq int64, output json.RawMessage, ok bool, shouldContinue bool) error
	LoadHistory(ctx context.Context, sessionID uuid.UUID) ([]HistoryEntry, error)
}
