package turn

import (
	"context"

	"github.com/google/uuid"

	"manifold/internal/store"
)

// Recorder is C6: a thin persistence facade over one turn's open
// transaction. Sequence numbers are assigned monotonically within the
// turn, restarting at 1 per kind (§4.6's uniqueness rule).
type Recorder struct {
	tx      store.Tx
	llmSeq  int
	toolSeq int
}

func NewRecorder(tx store.Tx) *Recorder {
	return &Recorder{tx: tx}
}

// RecordLLMInvocation writes the row for one completed LLM call and
// returns the sequence number it was assigned.
func (r *Recorder) RecordLLMInvocation(ctx context.Context, messageID, sessionID uuid.UUID, promptTokens, completionTokens int, wallTimeMS int64, finishReason, modelName string) (int, error) {
	r.llmSeq++
	_, err := r.tx.InsertLLMInvocation(ctx, store.LLMInvocation{
		MessageID:        messageID,
		SessionID:        sessionID,
		SequenceNumber:   r.llmSeq,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		WallTimeMS:       wallTimeMS,
		FinishReason:     finishReason,
		ModelName:        modelName,
	})
	return r.llmSeq, err
}

// BeginToolInvocation inserts a pending row at dispatch time.
func (r *Recorder) BeginToolInvocation(ctx context.Context, messageID, sessionID uuid.UUID, triggeredBy int, toolName string, args []byte) (store.ToolInvocation, error) {
	r.toolSeq++
	return r.tx.InsertToolInvocation(ctx, store.ToolInvocation{
		MessageID:              messageID,
		SessionID:              sessionID,
		SequenceNumber:         r.toolSeq,
		TriggeredByLLMSequence: triggeredBy,
		ToolName:               toolName,
		Args:                   args,
		Status:                 store.ToolPending,
	})
}

// FinishToolInvocation updates the row exactly once on completion.
func (r *Recorder) FinishToolInvocation(ctx context.Context, inv store.ToolInvocation, result []byte, status store.ToolInvocationStatus, cacheHit bool, errText string, wallTimeMS int64) (store.ToolInvocation, error) {
	inv.Result = result
	inv.Status = status
	inv.CacheHit = cacheHit
	inv.ErrorText = errText
	inv.WallTimeMS = wallTimeMS
	return r.tx.UpdateToolInvocation(ctx, inv)
}
