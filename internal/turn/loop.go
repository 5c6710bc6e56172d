package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"manifold/internal/events"
	"manifold/internal/llm"
	"manifold/internal/mcphub"
	"manifold/internal/observability"
	"manifold/internal/store"
)

const (
	// DefaultMaxIterations bounds the CALL_LLM/DISPATCH_TOOLS cycle (§4.4).
	DefaultMaxIterations = 50
	// DefaultTurnDeadline is the overall wall-clock budget for one turn (§5).
	DefaultTurnDeadline = 600 * time.Second
	// titleMaxChars bounds the fire-and-forget title generation job.
	titleMaxChars = 30
)

// CancelSource is consulted by the loop at every suspension point (§5); it
// is expected to be backed by C7's per-(user,session) stop flag map.
type CancelSource interface {
	Cancelled(userID int64, sessionID uuid.UUID) bool
}

// Loop is C4: the multi-turn controller driving one user turn end to end.
type Loop struct {
	rel       store.Relational
	transport llm.Transport
	hub       *mcphub.Hub
	ctxMgr    *ContextManager
	cancel    CancelSource

	maxIterations int
	turnDeadline  time.Duration
}

func NewLoop(rel store.Relational, transport llm.Transport, hub *mcphub.Hub, ctxMgr *ContextManager, cancel CancelSource) *Loop {
	return &Loop{
		rel:           rel,
		transport:     transport,
		hub:           hub,
		ctxMgr:        ctxMgr,
		cancel:        cancel,
		maxIterations: DefaultMaxIterations,
		turnDeadline:  DefaultTurnDeadline,
	}
}

// TitleGenerator performs the FINALIZE fire-and-forget title job. Supplied
// separately from Transport since it is a one-shot non-streaming call that
// may target a cheaper model.
type TitleGenerator func(ctx context.Context, firstUserText string) (string, error)

// TitleBroadcaster pushes the session_title_updated event to C7 once the
// fire-and-forget title job completes, since by then RunTurn's own event
// channel has already closed.
type TitleBroadcaster func(userID int64, sessionID uuid.UUID, title string)

// RunTurn implements run_turn(session_id, user_id, user_message, model_id?).
// userMsg must already be persisted (the caller, chatapi.postMessage,
// persists it synchronously before starting the turn so its HTTP response
// can return the saved message). Canonical events are pushed onto the
// returned channel as they are produced; the channel is closed when the
// turn reaches DONE or ERROR.
func (l *Loop) RunTurn(ctx context.Context, sessionID uuid.UUID, userID int64, userMsg store.Message, modelID string, onTitle TitleGenerator, onTitleDone TitleBroadcaster) <-chan events.Event {
	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		l.run(ctx, sessionID, userID, userMsg, modelID, onTitle, onTitleDone, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, sessionID uuid.UUID, userID int64, userMsg store.Message, modelID string, onTitle TitleGenerator, onTitleDone TitleBroadcaster, out chan<- events.Event) {
	userText := userMsg.Content
	if userText == "" {
		out <- events.Event{Kind: events.Error, ErrorKind: "empty_input", ErrorMessage: "user text is empty"}
		out <- doneEvent("", true, 5)
		return
	}

	ctx, cancelDeadline := context.WithTimeout(ctx, l.turnDeadline)
	defer cancelDeadline()

	sess, err := l.rel.GetSession(ctx, userID, sessionID)
	if err != nil {
		l.emitInitError(out, err)
		return
	}
	if sess.Status == store.SessionDeleted {
		out <- events.Event{Kind: events.Error, ErrorKind: "not_found", ErrorMessage: "session is deleted"}
		out <- doneEvent("", true, 5)
		return
	}

	if modelID == "" {
		modelID = sess.ModelID
	}
	model, err := l.rel.GetModel(ctx, modelID)
	if err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "unknown_model", ErrorMessage: err.Error()}
		out <- doneEvent("", true, 5)
		return
	}

	tx, err := l.rel.BeginTurn(ctx)
	if err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
		out <- doneEvent("", true, 5)
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// INIT — the user message was already persisted synchronously by the
	// HTTP handler before the turn started; only the assistant placeholder
	// is created here.
	placeholder, err := tx.CreateMessage(ctx, store.Message{
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Status:    store.MessagePending,
	})
	if err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
		out <- doneEvent("", true, 5)
		return
	}
	placeholder.ParentMessageID = &userMsg.ID
	sess.MessageCount += 2
	isFirstTurn := sess.MessageCount == 2

	rec := NewRecorder(tx)

	// ASSEMBLE
	if l.ctxMgr.ShouldSummarize(sess, model) {
		if _, sumErr := l.ctxMgr.Summarize(ctx, sess); sumErr != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(sumErr).Msg("turn: summarize failed, continuing with full window")
		}
	}
	window, err := l.ctxMgr.BuildWindow(ctx, sess)
	if err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
		out <- doneEvent("", true, 5)
		return
	}
	history := make([]llm.Message, 0, len(window)+1)
	for _, m := range window {
		history = append(history, toLLMMessage(m))
	}
	history = append(history, llm.Message{Role: string(store.RoleUser), Content: userText})

	tools := l.toolSchemas(ctx)

	var (
		finalText   string
		timeline    []store.TimelineEntry
		totalPrompt int
		totalCompl  int
		genStart    = time.Now()
	)

	normalizer := events.NewNormalizer()

	errKind := ""
iterLoop:
	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if l.isCancelled(userID, sessionID) {
			out <- events.Event{Kind: events.Info, ErrorKind: "stopped"}
			break
		}

		normalizer.Reset()
		t0 := time.Now()
		frames, err := l.transport.StreamChat(ctx, history, tools, llm.ModelParams{Model: model.ID})
		if err != nil {
			errKind = "transport"
			out <- events.Event{Kind: events.Error, ErrorKind: errKind, ErrorMessage: err.Error()}
			break
		}

		var (
			iterToolCalls []llm.FrameToolCall
			iterPrompt    int
			iterCompl     int
			iterFinish    string
			streamErr     error
		)

		for frame := range frames {
			switch frame.Kind {
			case llm.FrameMessageDelta:
				for _, ev := range normalizer.Content(frame.Content) {
					applyTimeline(&timeline, &finalText, ev)
					out <- ev
				}
			case llm.FrameToolCallBlock:
				iterToolCalls = append(iterToolCalls, frame.ToolCalls...)
				for _, ev := range normalizer.ToolCalls(frame.ToolCalls) {
					timeline = append(timeline, store.TimelineEntry{Kind: "tool_call", ToolID: ev.ToolID, ToolName: ev.ToolName, Args: ev.ToolArgs})
					out <- ev
				}
			case llm.FrameUsage:
				iterPrompt = frame.PromptTokens
				iterCompl = frame.CompletionTokens
			case llm.FrameDone:
				iterFinish = frame.FinishReason
			case llm.FrameError:
				streamErr = frame.Err
				switch frame.ErrKind {
				case llm.ErrKindDecode:
					errKind = "transport"
				case llm.ErrKindModelHTTP:
					errKind = "model_http"
				default:
					errKind = "transport"
				}
			}

			if l.isCancelled(userID, sessionID) {
				out <- events.Event{Kind: events.Info, ErrorKind: "stopped"}
				break
			}
		}

		if streamErr != nil {
			out <- events.Event{Kind: events.Error, ErrorKind: errKind, ErrorMessage: streamErr.Error()}
			break iterLoop
		}

		totalPrompt += iterPrompt
		totalCompl += iterCompl

		seq, err := rec.RecordLLMInvocation(ctx, placeholder.ID, sessionID, iterPrompt, iterCompl, time.Since(t0).Milliseconds(), iterFinish, model.ID)
		if err != nil {
			out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
			break iterLoop
		}
		out <- events.InvocationComplete(seq, iterPrompt, iterCompl, time.Since(t0).Milliseconds(), iterFinish)

		// assistant turn contributes to the running history for the next
		// iteration, whether or not it called tools.
		history = append(history, llm.Message{Role: string(store.RoleAssistant), Content: finalText})

		if len(iterToolCalls) == 0 {
			break iterLoop
		}

		if ctx.Err() != nil {
			errKind = "timeout"
			out <- events.Event{Kind: events.Error, ErrorKind: errKind, ErrorMessage: ctx.Err().Error()}
			break iterLoop
		}

		// DISPATCH_TOOLS
		for _, call := range iterToolCalls {
			inv, err := rec.BeginToolInvocation(ctx, placeholder.ID, sessionID, seq, call.Name, call.Args)
			if err != nil {
				out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
				break iterLoop
			}
			toolStart := time.Now()
			result, cacheHit, callErr := l.hub.CallTool(ctx, call.Name, call.Args, "")
			status := store.ToolSuccess
			errText := ""
			if callErr != nil || result.IsError {
				status = store.ToolError
				if callErr != nil {
					errText = callErr.Error()
				} else if len(result.Content) > 0 {
					errText = result.Content[0].Text
				}
			}
			resultJSON := toolResultJSON(result)
			if _, err := rec.FinishToolInvocation(ctx, inv, resultJSON, status, cacheHit, errText, time.Since(toolStart).Milliseconds()); err != nil {
				out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
				break iterLoop
			}
			timeline = append(timeline, store.TimelineEntry{Kind: "tool_result", ToolID: call.ID, ToolName: call.Name, Result: resultJSON})
			out <- events.Event{Kind: events.ToolResult, ToolID: call.ID, ToolName: call.Name, ToolResultPayload: result, CacheHit: cacheHit}

			history = append(history, llm.Message{Role: string(store.RoleTool), ToolID: call.ID, Content: string(resultJSON)})
		}

		if iteration == l.maxIterations {
			errKind = "max_iterations"
			out <- events.Event{Kind: events.Error, ErrorKind: errKind, ErrorMessage: "maximum tool/LLM iterations exceeded"}
		}
	}

	// FINALIZE
	status := store.MessageCompleted
	httpStatus := 1
	isFinish := true
	if errKind != "" {
		status = store.MessageError
		httpStatus = 5
	}

	placeholder.Content = finalText
	placeholder.Status = status
	placeholder.PromptTokens = totalPrompt
	placeholder.CompletionTokens = totalCompl
	placeholder.TotalTokens = totalPrompt + totalCompl
	placeholder.GenerationMS = time.Since(genStart).Milliseconds()
	placeholder.Timeline = timeline
	if _, err := tx.UpdateMessage(ctx, placeholder); err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
	}

	sess.CumulativeTokens += totalPrompt + totalCompl
	sess.LastActivityAt = time.Now()
	if ctxTokens, err := l.ctxMgr.RecomputeContextTokens(ctx, sess); err == nil {
		sess.CurrentContextTokens = ctxTokens
	}
	if _, err := tx.UpdateSession(ctx, sess); err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
	}

	if err := tx.Commit(ctx); err != nil {
		out <- events.Event{Kind: events.Error, ErrorKind: "persistence", ErrorMessage: err.Error()}
		return
	}
	committed = true
	if errKind == "" && l.ctxMgr != nil && l.ctxMgr.kv != nil {
		_ = l.ctxMgr.kv.ClearSessionSummary(ctx, sessionID.String())
	}

	out <- doneEvent(placeholder.ID.String(), isFinish, httpStatus)

	if isFirstTurn && onTitle != nil && errKind == "" {
		go l.generateTitle(userID, sessionID, userText, onTitle, onTitleDone)
	}
}

func (l *Loop) generateTitle(userID int64, sessionID uuid.UUID, userText string, onTitle TitleGenerator, onTitleDone TitleBroadcaster) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	title, err := onTitle(ctx, userText)
	if err != nil {
		return
	}
	if len(title) > titleMaxChars {
		title = title[:titleMaxChars]
	}
	sess, err := l.rel.GetSession(ctx, userID, sessionID)
	if err != nil {
		return
	}
	sess.Title = title
	if _, err := l.rel.UpdateSession(ctx, sess); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("turn: title update failed")
		return
	}
	if onTitleDone != nil {
		onTitleDone(userID, sessionID, title)
	}
}

func (l *Loop) isCancelled(userID int64, sessionID uuid.UUID) bool {
	return l.cancel != nil && l.cancel.Cancelled(userID, sessionID)
}

func (l *Loop) emitInitError(out chan<- events.Event, err error) {
	kind := "persistence"
	if errors.Is(err, store.ErrNotFound) {
		kind = "not_found"
	} else if errors.Is(err, store.ErrForbidden) {
		kind = "forbidden"
	}
	out <- events.Event{Kind: events.Error, ErrorKind: kind, ErrorMessage: err.Error()}
	out <- doneEvent("", true, 5)
}

func (l *Loop) toolSchemas(ctx context.Context) []llm.ToolSchema {
	grouped := l.hub.ListAllTools(ctx)
	var out []llm.ToolSchema
	for _, defs := range grouped {
		for _, def := range defs {
			var params map[string]any
			if len(def.InputSchema) > 0 {
				_ = json.Unmarshal(def.InputSchema, &params)
			}
			out = append(out, llm.ToolSchema{Name: def.Name, Description: def.Description, Parameters: params})
		}
	}
	return out
}

func toLLMMessage(m store.Message) llm.Message {
	return llm.Message{Role: string(m.Role), Content: m.Content}
}

func doneEvent(messageID string, isFinish bool, status int) events.Event {
	return events.Event{Kind: events.Done, MessageID: messageID, IsFinish: isFinish, Status: status}
}

func applyTimeline(timeline *[]store.TimelineEntry, finalText *string, ev events.Event) {
	switch ev.Kind {
	case events.ContentDelta:
		*finalText += ev.Delta
		n := len(*timeline)
		if n > 0 && (*timeline)[n-1].Kind == "content" {
			(*timeline)[n-1].Text += ev.Delta
			return
		}
		*timeline = append(*timeline, store.TimelineEntry{Kind: "content", Text: ev.Delta})
	case events.ThinkingBegin:
		*timeline = append(*timeline, store.TimelineEntry{Kind: "thinking", ThinkingID: ev.ThinkingID})
	case events.ThinkingDelta:
		n := len(*timeline)
		if n > 0 && (*timeline)[n-1].Kind == "thinking" && (*timeline)[n-1].ThinkingID == ev.ThinkingID {
			(*timeline)[n-1].Text += ev.Delta
		}
	}
}

func toolResultJSON(result mcphub.ToolCallResult) []byte {
	b, err := json.Marshal(result)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return b
}
