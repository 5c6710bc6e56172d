package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/llm"
)

func TestNormalizer_ContentDelta_NoTags(t *testing.T) {
	n := NewNormalizer()
	evs := n.Content("hello world")
	require.Len(t, evs, 1)
	assert.Equal(t, ContentDelta, evs[0].Kind)
	assert.Equal(t, "hello world", evs[0].Delta)
}

func TestNormalizer_ThinkTag_WithinOneChunk(t *testing.T) {
	n := NewNormalizer()
	evs := n.Content("before <think>reasoning</think> after")

	require.Len(t, evs, 5)
	assert.Equal(t, ContentDelta, evs[0].Kind)
	assert.Equal(t, "before ", evs[0].Delta)
	assert.Equal(t, ThinkingBegin, evs[1].Kind)
	assert.NotEmpty(t, evs[1].ThinkingID)
	assert.Equal(t, ThinkingDelta, evs[2].Kind)
	assert.Equal(t, "reasoning", evs[2].Delta)
	assert.Equal(t, evs[1].ThinkingID, evs[2].ThinkingID)
	assert.Equal(t, ThinkingEnd, evs[3].Kind)
	assert.Equal(t, evs[1].ThinkingID, evs[3].ThinkingID)
	assert.Equal(t, ContentDelta, evs[4].Kind)
	assert.Equal(t, " after", evs[4].Delta)
}

// TestNormalizer_ThinkTag_SplitAcrossChunks splits both the open and the
// close tag across chunk boundaries to exercise the partialSuffixMatch
// carry-over path: no content_delta
// may ever contain a fragment of "<think>" or "</think>".
func TestNormalizer_ThinkTag_SplitAcrossChunks(t *testing.T) {
	n := NewNormalizer()
	var all []Event

	chunks := []string{"intro <thi", "nk>reason", "ing</thi", "nk> outro"}
	for _, c := range chunks {
		all = append(all, n.Content(c)...)
	}

	var deltas, thinkDeltas []string
	var begins, ends int
	for _, ev := range all {
		switch ev.Kind {
		case ContentDelta:
			deltas = append(deltas, ev.Delta)
			assert.NotContains(t, ev.Delta, "<think>")
			assert.NotContains(t, ev.Delta, "</think>")
		case ThinkingDelta:
			thinkDeltas = append(thinkDeltas, ev.Delta)
		case ThinkingBegin:
			begins++
		case ThinkingEnd:
			ends++
		}
	}

	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, ends)
	assert.Equal(t, "intro ", joinStrings(deltas[:len(deltas)-1]))
	assert.Equal(t, " outro", deltas[len(deltas)-1])
	assert.Equal(t, "reasoning", joinStrings(thinkDeltas))
}

func TestNormalizer_Reset_ClearsStateBetweenIterations(t *testing.T) {
	n := NewNormalizer()
	_ = n.Content("<think>unterminated")

	n.Reset()
	evs := n.Content("plain text")
	require.Len(t, evs, 1)
	assert.Equal(t, ContentDelta, evs[0].Kind)
	assert.Equal(t, "plain text", evs[0].Delta)
}

func TestNormalizer_ThinkingID_IncrementsPerSpan(t *testing.T) {
	n := NewNormalizer()
	evs := n.Content("<think>a</think>mid<think>b</think>")

	var ids []string
	for _, ev := range evs {
		if ev.Kind == ThinkingBegin {
			ids = append(ids, ev.ThinkingID)
		}
	}
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestToolCalls_PreservesOrder(t *testing.T) {
	n := NewNormalizer()
	calls := []llm.FrameToolCall{
		{ID: "1", Name: "calculator", Args: []byte(`{"expression":"1+1"}`)},
		{ID: "2", Name: "weather", Args: []byte(`{"city":"nyc"}`)},
	}
	evs := n.ToolCalls(calls)
	require.Len(t, evs, 2)
	assert.Equal(t, ToolCall, evs[0].Kind)
	assert.Equal(t, "1", evs[0].ToolID)
	assert.Equal(t, "calculator", evs[0].ToolName)
	assert.Equal(t, "2", evs[1].ToolID)
	assert.Equal(t, "weather", evs[1].ToolName)
}

func TestInvocationComplete_SumsTokensAndCarriesFields(t *testing.T) {
	ev := InvocationComplete(3, 100, 42, 1500, "stop")
	assert.Equal(t, LLMInvocationComplete, ev.Kind)
	assert.Equal(t, 3, ev.Sequence)
	assert.Equal(t, 100, ev.PromptTokens)
	assert.Equal(t, 42, ev.CompletionTokens)
	assert.Equal(t, 142, ev.TotalTokens)
	assert.Equal(t, int64(1500), ev.DurationMS)
	assert.Equal(t, "stop", ev.FinishReason)
}

func joinStrings(ss []string) string {
	out := ""
	for _, s := range ss {
		out += s
	}
	return out
}
