// Package turn implements C4 (Agent Loop), C5 (Context Manager) and C6
// (Invocation Recorder) — the three components that together drive one
// user turn.
package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"manifold/internal/llm"
	"manifold/internal/store"
)

// ContextManager is C5: prompt window assembly and summarization.
type ContextManager struct {
	rel   store.Relational
	kv    *store.KV
	sum   llm.Provider // one-shot, non-streaming summarizer backend
	model string

	flight singleflight.Group // per-session summarization guard (§5)
}

func NewContextManager(rel store.Relational, kv *store.KV, summarizer llm.Provider, summaryModel string) *ContextManager {
	return &ContextManager{rel: rel, kv: kv, sum: summarizer, model: summaryModel}
}

// BuildWindow returns {latest summary message if any} ∪ {non-deleted,
// non-summarized messages}, in created_at order, excluding the pending
// assistant placeholder (the caller never lists it since it hasn't been
// assigned a terminal status yet).
func (m *ContextManager) BuildWindow(ctx context.Context, sess store.Session) ([]store.Message, error) {
	msgs, err := m.rel.ListMessages(ctx, sess.ID, store.MessageFilter{})
	if err != nil {
		return nil, err
	}
	latestSummary := -1
	for i, msg := range msgs {
		if msg.IsSummary {
			latestSummary = i
		}
	}
	out := make([]store.Message, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Status == store.MessagePending || (msg.IsSummary && i != latestSummary) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ShouldSummarize implements the 90%-of-budget trigger.
func (m *ContextManager) ShouldSummarize(sess store.Session, model store.AIModel) bool {
	if model.MaxContextLength <= 0 {
		return false
	}
	return float64(sess.CurrentContextTokens) >= 0.9*float64(model.MaxContextLength)
}

// Summarize selects all non-deleted, non-summarized messages older than
// the most recent 5, asks a one-shot LLM call for a ≤200-word summary,
// inserts the new `is_summary=true` system message, flags the
// superseded messages `is_summarized=true`, and returns it. Idempotent
// per session via a singleflight guard.
func (m *ContextManager) Summarize(ctx context.Context, sess store.Session) (store.Message, error) {
	v, err, _ := m.flight.Do(sess.ID.String(), func() (any, error) {
		return m.summarizeLocked(ctx, sess)
	})
	if err != nil {
		return store.Message{}, err
	}
	return v.(store.Message), nil
}

func (m *ContextManager) summarizeLocked(ctx context.Context, sess store.Session) (store.Message, error) {
	msgs, err := m.rel.ListMessages(ctx, sess.ID, store.MessageFilter{})
	if err != nil {
		return store.Message{}, err
	}
	var eligible []store.Message
	for _, msg := range msgs {
		if msg.Status == store.MessagePending || msg.IsSummary {
			continue
		}
		eligible = append(eligible, msg)
	}
	if len(eligible) <= 5 {
		return store.Message{}, fmt.Errorf("turn: nothing eligible to summarize")
	}
	toSummarize := eligible[:len(eligible)-5]

	prompt := buildSummaryPrompt(toSummarize)
	resp, err := m.sum.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Summarize the conversation so far in 200 words or fewer. Preserve user goals, decisions, and identifiers."},
		{Role: "user", Content: prompt},
	}, nil, m.model)
	if err != nil {
		return store.Message{}, fmt.Errorf("turn: summarize llm call: %w", err)
	}

	summaryMsg, err := m.rel.CreateMessage(ctx, store.Message{
		SessionID: sess.ID,
		Role:      store.RoleSystem,
		Content:   resp.Content,
		IsSummary: true,
		Status:    store.MessageCompleted,
	})
	if err != nil {
		return store.Message{}, err
	}
	for _, old := range toSummarize {
		old.IsSummarized = true
		if _, err := m.rel.UpdateMessage(ctx, old); err != nil {
			return store.Message{}, err
		}
	}
	if m.kv != nil {
		_ = m.kv.SetSessionSummary(ctx, sess.ID.String(), resp.Content)
	}
	return summaryMsg, nil
}

func buildSummaryPrompt(msgs []store.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// RecomputeContextTokens returns the total_tokens of the most recent
// non-deleted assistant message, or 0 if none — the prompt size the
// *next* turn would send, per the glossary's "context tokens" entry.
func (m *ContextManager) RecomputeContextTokens(ctx context.Context, sess store.Session) (int, error) {
	msgs, err := m.rel.ListMessages(ctx, sess.ID, store.MessageFilter{IncludeSummarized: true})
	if err != nil {
		return 0, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleAssistant {
			return msgs[i].TotalTokens, nil
		}
	}
	return 0, nil
}

// EditMessage soft-deletes the original and every message strictly
// after it; if it had been summarized, restores it and its summarized
// predecessors and soft-deletes the summary message. No new message is
// created — the client is expected to POST a fresh user turn.
func (m *ContextManager) EditMessage(ctx context.Context, messageID string, newText string) error {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return err
	}
	msg, err := m.rel.GetMessage(ctx, id)
	if err != nil {
		return err
	}

	if msg.IsSummarized {
		all, err := m.rel.ListMessages(ctx, msg.SessionID, store.MessageFilter{IncludeSummarized: true, IncludeDeleted: true})
		if err != nil {
			return err
		}
		for _, candidate := range all {
			if candidate.IsSummarized && !candidate.CreatedAt.After(msg.CreatedAt) {
				candidate.IsSummarized = false
				if _, err := m.rel.UpdateMessage(ctx, candidate); err != nil {
					return err
				}
			}
			if candidate.IsSummary && candidate.CreatedAt.After(msg.CreatedAt.Add(-time.Nanosecond)) {
				_ = m.rel.SoftDeleteMessage(ctx, candidate.ID)
			}
		}
	}

	if err := m.rel.SoftDeleteMessagesAfter(ctx, msg.SessionID, msg.CreatedAt); err != nil {
		return err
	}
	return m.rel.SoftDeleteMessage(ctx, msg.ID)
}
