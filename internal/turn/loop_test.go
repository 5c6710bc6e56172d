package turn

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/events"
	"manifold/internal/llm"
	"manifold/internal/mcphub"
	"manifold/internal/mcphub/builtin"
	"manifold/internal/store"
)

func newTestLoop(t *testing.T, fs *fakeStore, transport *fakeTransport) (*Loop, uuid.UUID, int64) {
	t.Helper()
	hub := mcphub.New(nil)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	ctxMgr := NewContextManager(fs, nil, nil, "")
	loop := NewLoop(fs, transport, hub, ctxMgr, nil)

	userID := int64(1)
	model := store.AIModel{ID: "test-model", MaxContextLength: 8000, SupportsStream: true, SupportsTools: true, Enabled: true}
	fs.models[model.ID] = model

	sess, err := fs.CreateSession(context.Background(), store.Session{UserID: userID, ModelID: model.ID, Status: store.SessionActive})
	require.NoError(t, err)
	return loop, sess.ID, userID
}

func collect(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunTurn_SimpleResponse_NoToolCalls(t *testing.T) {
	fs := newFakeStore()
	transport := &fakeTransport{batches: [][]llm.RawFrame{
		{
			{Kind: llm.FrameMessageDelta, Content: "hello there"},
			{Kind: llm.FrameUsage, PromptTokens: 10, CompletionTokens: 2},
			{Kind: llm.FrameDone, FinishReason: "stop"},
		},
	}}
	loop, sessionID, userID := newTestLoop(t, fs, transport)

	userMsg, err := fs.CreateMessage(context.Background(), store.Message{SessionID: sessionID, Role: store.RoleUser, Content: "hi", Status: store.MessageCompleted})
	require.NoError(t, err)

	evs := collect(loop.RunTurn(context.Background(), sessionID, userID, userMsg, "", nil, nil))

	require.NotEmpty(t, evs)
	var sawDelta, sawInvocation, sawDone bool
	for _, ev := range evs {
		switch ev.Kind {
		case events.ContentDelta:
			sawDelta = true
			assert.Equal(t, "hello there", ev.Delta)
		case events.LLMInvocationComplete:
			sawInvocation = true
			assert.Equal(t, 10, ev.PromptTokens)
			assert.Equal(t, 2, ev.CompletionTokens)
		case events.Done:
			sawDone = true
			assert.True(t, ev.IsFinish)
			assert.Equal(t, 1, ev.Status)
		}
	}
	assert.True(t, sawDelta, "expected a content_delta event")
	assert.True(t, sawInvocation, "expected an llm_invocation_complete event")
	assert.True(t, sawDone, "expected a done event")
	assert.Equal(t, 1, transport.calls)
}

func TestRunTurn_ToolCall_DispatchesAndContinues(t *testing.T) {
	fs := newFakeStore()
	transport := &fakeTransport{batches: [][]llm.RawFrame{
		{
			{Kind: llm.FrameToolCallBlock, ToolCalls: []llm.FrameToolCall{
				{ID: "call_1", Name: "calculator", Args: []byte(`{"expression":"2+2"}`)},
			}},
			{Kind: llm.FrameDone, FinishReason: "tool_calls"},
		},
		{
			{Kind: llm.FrameMessageDelta, Content: "the answer is 4"},
			{Kind: llm.FrameDone, FinishReason: "stop"},
		},
	}}
	loop, sessionID, userID := newTestLoop(t, fs, transport)

	userMsg, err := fs.CreateMessage(context.Background(), store.Message{SessionID: sessionID, Role: store.RoleUser, Content: "what is 2+2?", Status: store.MessageCompleted})
	require.NoError(t, err)

	evs := collect(loop.RunTurn(context.Background(), sessionID, userID, userMsg, "", nil, nil))

	var sawToolCall, sawToolResult bool
	for _, ev := range evs {
		if ev.Kind == events.ToolCall {
			sawToolCall = true
			assert.Equal(t, "calculator", ev.ToolName)
		}
		if ev.Kind == events.ToolResult {
			sawToolResult = true
			assert.False(t, ev.CacheHit, "first call should be a cache miss")
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
	assert.Equal(t, 2, transport.calls, "expected a second LLM call after the tool dispatch")
}

func TestRunTurn_EmptyUserText_EmitsErrorAndDone(t *testing.T) {
	fs := newFakeStore()
	transport := &fakeTransport{}
	loop, sessionID, userID := newTestLoop(t, fs, transport)

	userMsg := store.Message{ID: uuid.New(), SessionID: sessionID, Role: store.RoleUser, Content: ""}

	evs := collect(loop.RunTurn(context.Background(), sessionID, userID, userMsg, "", nil, nil))

	require.Len(t, evs, 2)
	assert.Equal(t, events.Error, evs[0].Kind)
	assert.Equal(t, "empty_input", evs[0].ErrorKind)
	assert.Equal(t, events.Done, evs[1].Kind)
	assert.Equal(t, 0, transport.calls)
}

func TestRunTurn_UnknownSession_EmitsNotFoundError(t *testing.T) {
	fs := newFakeStore()
	transport := &fakeTransport{}
	loop, _, userID := newTestLoop(t, fs, transport)

	userMsg := store.Message{ID: uuid.New(), Content: "hi"}

	evs := collect(loop.RunTurn(context.Background(), uuid.New(), userID, userMsg, "", nil, nil))

	require.Len(t, evs, 2)
	assert.Equal(t, events.Error, evs[0].Kind)
	assert.Equal(t, "not_found", evs[0].ErrorKind)
}
