package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the relational facade over pgxpool, grounded on the
// teacher's chat store: idempotent CREATE TABLE IF NOT EXISTS / ALTER
// TABLE ADD COLUMN IF NOT EXISTS bootstrap, no external migration tool.
type Postgres struct {
	raw  *pgxpool.Pool // nil for a Tx-backed instance
	pool Queryer
}

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting Postgres
// and its Tx wrapper share scan/query logic.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnResult, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgconnResult interface{ RowsAffected() int64 }

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{raw: pool, pool: poolAdapter{pool}}
}

// poolAdapter narrows *pgxpool.Pool to the Queryer interface.
type poolAdapter struct{ p *pgxpool.Pool }

func (a poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnResult, error) {
	return a.p.Exec(ctx, sql, args...)
}
func (a poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.p.Query(ctx, sql, args...)
}
func (a poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.p.QueryRow(ctx, sql, args...)
}

func (s *Postgres) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ai_models (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    base_url TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    max_context_length INTEGER NOT NULL DEFAULT 8192,
    supports_stream BOOLEAN NOT NULL DEFAULT TRUE,
    supports_tools BOOLEAN NOT NULL DEFAULT TRUE,
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS chat_sessions (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    title TEXT NOT NULL DEFAULT 'New Chat',
    model_id TEXT NOT NULL DEFAULT '',
    temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    max_output_tokens INTEGER NOT NULL DEFAULT 0,
    system_prompt_override TEXT NOT NULL DEFAULT '',
    current_context_tokens INTEGER NOT NULL DEFAULT 0,
    cumulative_tokens INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status TEXT NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS chat_sessions_user_activity_idx ON chat_sessions(user_id, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    parent_message_id UUID,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    is_edited BOOLEAN NOT NULL DEFAULT FALSE,
    is_summarized BOOLEAN NOT NULL DEFAULT FALSE,
    is_summary BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    model_name TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    generation_ms BIGINT NOT NULL DEFAULT 0,
    timeline JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'completed'
);

CREATE INDEX IF NOT EXISTS chat_messages_session_created_idx ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS model_invocations (
    id UUID PRIMARY KEY,
    message_id UUID NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
    session_id UUID NOT NULL,
    sequence_number INTEGER NOT NULL,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    wall_time_ms BIGINT NOT NULL DEFAULT 0,
    finish_reason TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(message_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS tool_invocations (
    id UUID PRIMARY KEY,
    message_id UUID NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
    session_id UUID NOT NULL,
    sequence_number INTEGER NOT NULL,
    triggered_by_llm_sequence INTEGER NOT NULL DEFAULT 0,
    tool_name TEXT NOT NULL,
    args JSONB NOT NULL DEFAULT '{}',
    result JSONB,
    status TEXT NOT NULL DEFAULT 'pending',
    cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
    error_text TEXT NOT NULL DEFAULT '',
    wall_time_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(message_id, sequence_number)
);
`)
	return err
}

func (s *Postgres) scanSession(row pgx.Row) (Session, error) {
	var sess Session
	var status string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.ModelID, &sess.Temperature,
		&sess.MaxOutputTokens, &sess.SystemPromptOverride, &sess.CurrentContextTokens,
		&sess.CumulativeTokens, &sess.MessageCount, &sess.LastActivityAt, &sess.CreatedAt, &status); err != nil {
		return Session{}, err
	}
	sess.Status = SessionStatus(status)
	return sess, nil
}

const sessionColumns = `id, user_id, title, model_id, temperature, max_output_tokens, system_prompt_override, current_context_tokens, cumulative_tokens, message_count, last_activity_at, created_at, status`

func (s *Postgres) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.Title == "" {
		sess.Title = "New Chat"
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO chat_sessions (id, user_id, title, model_id, temperature, max_output_tokens, system_prompt_override, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING `+sessionColumns,
		sess.ID, sess.UserID, sess.Title, sess.ModelID, sess.Temperature, sess.MaxOutputTokens, sess.SystemPromptOverride, sess.Status)
	return s.scanSession(row)
}

func (s *Postgres) GetSession(ctx context.Context, userID int64, id uuid.UUID) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id=$1 AND user_id=$2`, id, userID)
	sess, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if owner, ownerErr := s.lookupOwner(ctx, id); ownerErr == nil && owner != userID {
			return Session{}, ErrForbidden
		}
		return Session{}, ErrNotFound
	}
	return sess, err
}

func (s *Postgres) lookupOwner(ctx context.Context, id uuid.UUID) (int64, error) {
	row := s.pool.QueryRow(ctx, `SELECT user_id FROM chat_sessions WHERE id=$1`, id)
	var owner int64
	if err := row.Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return owner, nil
}

func (s *Postgres) ListSessions(ctx context.Context, userID int64, cursor time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE user_id=$1 AND status != 'deleted'`
	args := []any{userID}
	if !cursor.IsZero() {
		query += ` AND last_activity_at < $2`
		args = append(args, cursor)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ` + placeholderLimit(len(args)+1)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func placeholderLimit(n int) string {
	return "$" + strconv.Itoa(n)
}

func (s *Postgres) UpdateSession(ctx context.Context, sess Session) (Session, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE chat_sessions SET
  title=$2, model_id=$3, temperature=$4, max_output_tokens=$5, system_prompt_override=$6,
  current_context_tokens=$7, cumulative_tokens=$8, message_count=$9, last_activity_at=NOW(), status=$10
WHERE id=$1 AND user_id=$11
RETURNING `+sessionColumns,
		sess.ID, sess.Title, sess.ModelID, sess.Temperature, sess.MaxOutputTokens, sess.SystemPromptOverride,
		sess.CurrentContextTokens, sess.CumulativeTokens, sess.MessageCount, sess.Status, sess.UserID)
	out, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrForbidden
	}
	return out, err
}

func (s *Postgres) SoftDeleteSession(ctx context.Context, userID int64, id uuid.UUID) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET status='deleted' WHERE id=$1 AND user_id=$2 AND status != 'deleted'`, id, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, session_id, role, content, parent_message_id, is_deleted, is_edited, is_summarized, is_summary, created_at, model_name, prompt_tokens, completion_tokens, total_tokens, generation_ms, timeline, status`

func (s *Postgres) scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var role, status string
	var parent sql.NullString
	var timelineRaw []byte
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &parent, &m.IsDeleted, &m.IsEdited,
		&m.IsSummarized, &m.IsSummary, &m.CreatedAt, &m.ModelName, &m.PromptTokens, &m.CompletionTokens,
		&m.TotalTokens, &m.GenerationMS, &timelineRaw, &status); err != nil {
		return Message{}, err
	}
	m.Role = MessageRole(role)
	m.Status = MessageStatus(status)
	if parent.Valid {
		pid, err := uuid.Parse(parent.String)
		if err == nil {
			m.ParentMessageID = &pid
		}
	}
	if len(timelineRaw) > 0 {
		_ = json.Unmarshal(timelineRaw, &m.Timeline)
	}
	return m, nil
}

func (s *Postgres) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	timelineJSON, _ := json.Marshal(m.Timeline)
	if timelineJSON == nil {
		timelineJSON = []byte("[]")
	}
	var parent any
	if m.ParentMessageID != nil {
		parent = *m.ParentMessageID
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, parent_message_id, is_summary, model_name, status, timeline)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING `+messageColumns,
		m.ID, m.SessionID, string(m.Role), m.Content, parent, m.IsSummary, m.ModelName, string(m.Status), timelineJSON)
	return s.scanMessage(row)
}

func (s *Postgres) UpdateMessage(ctx context.Context, m Message) (Message, error) {
	timelineJSON, _ := json.Marshal(m.Timeline)
	if timelineJSON == nil {
		timelineJSON = []byte("[]")
	}
	row := s.pool.QueryRow(ctx, `
UPDATE chat_messages SET
  content=$2, is_deleted=$3, is_edited=$4, is_summarized=$5, model_name=$6,
  prompt_tokens=$7, completion_tokens=$8, total_tokens=$9, generation_ms=$10, timeline=$11, status=$12
WHERE id=$1
RETURNING `+messageColumns,
		m.ID, m.Content, m.IsDeleted, m.IsEdited, m.IsSummarized, m.ModelName,
		m.PromptTokens, m.CompletionTokens, m.TotalTokens, m.GenerationMS, timelineJSON, string(m.Status))
	out, err := s.scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return out, err
}

func (s *Postgres) GetMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, id)
	m, err := s.scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *Postgres) SoftDeleteMessagesAfter(ctx context.Context, sessionID uuid.UUID, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE chat_messages SET is_deleted=TRUE WHERE session_id=$1 AND created_at >= $2`, sessionID, t)
	return err
}

func (s *Postgres) SoftDeleteMessage(ctx context.Context, id uuid.UUID) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE chat_messages SET is_deleted=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListMessages(ctx context.Context, sessionID uuid.UUID, filter MessageFilter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id=$1`
	if !filter.IncludeDeleted {
		query += ` AND is_deleted=FALSE`
	}
	if !filter.IncludeSummarized {
		query += ` AND is_summarized=FALSE`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if filter.Limit > 0 {
		query += ` LIMIT ` + placeholderLimit(2)
		args = append(args, filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertLLMInvocation(ctx context.Context, inv LLMInvocation) (LLMInvocation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO model_invocations (id, message_id, session_id, sequence_number, prompt_tokens, completion_tokens, total_tokens, wall_time_ms, finish_reason, model_name)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id, message_id, session_id, sequence_number, prompt_tokens, completion_tokens, total_tokens, wall_time_ms, finish_reason, model_name, created_at`,
		inv.ID, inv.MessageID, inv.SessionID, inv.SequenceNumber, inv.PromptTokens, inv.CompletionTokens,
		inv.TotalTokens, inv.WallTimeMS, inv.FinishReason, inv.ModelName)
	var out LLMInvocation
	err := row.Scan(&out.ID, &out.MessageID, &out.SessionID, &out.SequenceNumber, &out.PromptTokens,
		&out.CompletionTokens, &out.TotalTokens, &out.WallTimeMS, &out.FinishReason, &out.ModelName, &out.CreatedAt)
	return out, err
}

func (s *Postgres) InsertToolInvocation(ctx context.Context, inv ToolInvocation) (ToolInvocation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = ToolPending
	}
	args := inv.Args
	if args == nil {
		args = json.RawMessage("{}")
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO tool_invocations (id, message_id, session_id, sequence_number, triggered_by_llm_sequence, tool_name, args, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id, message_id, session_id, sequence_number, triggered_by_llm_sequence, tool_name, args, result, status, cache_hit, error_text, wall_time_ms, created_at`,
		inv.ID, inv.MessageID, inv.SessionID, inv.SequenceNumber, inv.TriggeredByLLMSequence, inv.ToolName, args, string(inv.Status))
	return s.scanToolInvocation(row)
}

func (s *Postgres) scanToolInvocation(row pgx.Row) (ToolInvocation, error) {
	var out ToolInvocation
	var status string
	var result []byte
	if err := row.Scan(&out.ID, &out.MessageID, &out.SessionID, &out.SequenceNumber, &out.TriggeredByLLMSequence,
		&out.ToolName, &out.Args, &result, &status, &out.CacheHit, &out.ErrorText, &out.WallTimeMS, &out.CreatedAt); err != nil {
		return ToolInvocation{}, err
	}
	out.Status = ToolInvocationStatus(status)
	out.Result = result
	return out, nil
}

func (s *Postgres) UpdateToolInvocation(ctx context.Context, inv ToolInvocation) (ToolInvocation, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE tool_invocations SET result=$2, status=$3, cache_hit=$4, error_text=$5, wall_time_ms=$6
WHERE id=$1
RETURNING id, message_id, session_id, sequence_number, triggered_by_llm_sequence, tool_name, args, result, status, cache_hit, error_text, wall_time_ms, created_at`,
		inv.ID, inv.Result, string(inv.Status), inv.CacheHit, inv.ErrorText, inv.WallTimeMS)
	out, err := s.scanToolInvocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ToolInvocation{}, ErrNotFound
	}
	return out, err
}

func (s *Postgres) ListModels(ctx context.Context) ([]AIModel, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, provider, base_url, display_name, max_context_length, supports_stream, supports_tools, enabled FROM ai_models WHERE enabled=TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AIModel
	for rows.Next() {
		var m AIModel
		if err := rows.Scan(&m.ID, &m.Provider, &m.BaseURL, &m.DisplayName, &m.MaxContextLength, &m.SupportsStream, &m.SupportsTools, &m.Enabled); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) GetModel(ctx context.Context, id string) (AIModel, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, provider, base_url, display_name, max_context_length, supports_stream, supports_tools, enabled FROM ai_models WHERE id=$1`, id)
	var m AIModel
	if err := row.Scan(&m.ID, &m.Provider, &m.BaseURL, &m.DisplayName, &m.MaxContextLength, &m.SupportsStream, &m.SupportsTools, &m.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AIModel{}, ErrNotFound
		}
		return AIModel{}, err
	}
	return m, nil
}

// pgTx wraps an open pgx.Tx to satisfy Tx, reusing Postgres's scan/query
// logic via the shared Queryer interface.
type pgTx struct {
	Postgres
	tx pgx.Tx
}

// BeginTurn opens the transaction C6 writes through for the lifetime of
// one user turn, per spec.md's all-or-nothing commit-at-FINALIZE contract.
func (s *Postgres) BeginTurn(ctx context.Context) (Tx, error) {
	if s.raw == nil {
		return nil, errors.New("store: BeginTurn called on a transaction-backed instance")
	}
	tx, err := s.raw.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &pgTx{Postgres: Postgres{pool: txAdapter{tx}}, tx: tx}, nil
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type txAdapter struct{ tx pgx.Tx }

func (a txAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnResult, error) {
	return a.tx.Exec(ctx, sql, args...)
}
func (a txAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.tx.Query(ctx, sql, args...)
}
func (a txAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.tx.QueryRow(ctx, sql, args...)
}
