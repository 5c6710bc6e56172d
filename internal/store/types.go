// Package store is the C8 Session Store Facade: a typed view over the
// relational store for sessions/messages/invocations, and over the KV
// store for summaries, preferences, refresh tokens, rate-limit counters,
// and the tool-result cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
)

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionDeleted SessionStatus = "deleted"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCompleted MessageStatus = "completed"
	MessageError     MessageStatus = "error"
)

type ToolInvocationStatus string

const (
	ToolPending ToolInvocationStatus = "pending"
	ToolSuccess ToolInvocationStatus = "success"
	ToolError   ToolInvocationStatus = "error"
)

// Session is owned by exactly one User.
type Session struct {
	ID                    uuid.UUID
	UserID                int64
	Title                 string
	ModelID               string
	Temperature           float64
	MaxOutputTokens       int
	SystemPromptOverride  string
	CurrentContextTokens  int
	CumulativeTokens      int
	MessageCount          int
	LastActivityAt        time.Time
	CreatedAt             time.Time
	Status                SessionStatus
}

// TimelineEntry is one ordered item of an assistant message's structured
// timeline (thinking span, tool_call, tool_result, content span).
type TimelineEntry struct {
	Kind       string          `json:"kind"` // thinking | tool_call | tool_result | content
	ThinkingID string          `json:"thinking_id,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Text       string          `json:"text,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Message belongs to exactly one Session.
type Message struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	Role            MessageRole
	Content         string
	ParentMessageID *uuid.UUID
	IsDeleted       bool
	IsEdited        bool
	IsSummarized    bool
	IsSummary       bool
	CreatedAt       time.Time

	// assistant-only
	ModelName        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	GenerationMS     int64
	Timeline         []TimelineEntry
	Status           MessageStatus
}

// AIModel is a read-only catalog entry for the core.
type AIModel struct {
	ID               string
	Provider         string
	BaseURL          string
	DisplayName      string
	MaxContextLength int
	SupportsStream   bool
	SupportsTools    bool
	Enabled          bool
}

// LLMInvocation is one row per outbound LLM call. Never updated after
// insert.
type LLMInvocation struct {
	ID               uuid.UUID
	MessageID        uuid.UUID
	SessionID        uuid.UUID
	SequenceNumber   int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	WallTimeMS       int64
	FinishReason     string
	ModelName        string
	CreatedAt        time.Time
}

// ToolInvocation is one row per tool dispatch, inserted pending and
// updated exactly once on completion.
type ToolInvocation struct {
	ID                     uuid.UUID
	MessageID              uuid.UUID
	SessionID              uuid.UUID
	SequenceNumber         int
	TriggeredByLLMSequence int
	ToolName               string
	Args                   json.RawMessage
	Result                 json.RawMessage
	Status                 ToolInvocationStatus
	CacheHit               bool
	ErrorText              string
	WallTimeMS             int64
	CreatedAt              time.Time
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	IncludeDeleted    bool
	IncludeSummarized bool
	Limit             int
}

// Relational is C8's transactional interface over the relational store.
type Relational interface {
	Init(ctx context.Context) error

	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, userID int64, id uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, userID int64, cursor time.Time, limit int) ([]Session, error)
	UpdateSession(ctx context.Context, s Session) (Session, error)
	SoftDeleteSession(ctx context.Context, userID int64, id uuid.UUID) error

	CreateMessage(ctx context.Context, m Message) (Message, error)
	UpdateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (Message, error)
	SoftDeleteMessagesAfter(ctx context.Context, sessionID uuid.UUID, t time.Time) error
	SoftDeleteMessage(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, filter MessageFilter) ([]Message, error)

	InsertLLMInvocation(ctx context.Context, inv LLMInvocation) (LLMInvocation, error)
	InsertToolInvocation(ctx context.Context, inv ToolInvocation) (ToolInvocation, error)
	UpdateToolInvocation(ctx context.Context, inv ToolInvocation) (ToolInvocation, error)

	ListModels(ctx context.Context) ([]AIModel, error)
	GetModel(ctx context.Context, id string) (AIModel, error)

	// BeginTurn opens the Tx whose Commit/Rollback bracket one user turn's
	// all-or-nothing write set per C6's transactional contract.
	BeginTurn(ctx context.Context) (Tx, error)
}

// Tx is the open transaction a turn writes through; committed once in
// FINALIZE (also when the turn finalizes in error status), rolled back when
// the turn ends before that commit succeeds.
type Tx interface {
	Relational
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

