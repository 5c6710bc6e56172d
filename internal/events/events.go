// Package events defines the CanonicalEvent tagged union (C3's output) and
// the normalizer that turns C1's RawFrame stream into it.
package events

import (
	"encoding/json"
	"strconv"

	"manifold/internal/llm"
)

type Kind string

const (
	ContentDelta          Kind = "content_delta"
	ThinkingBegin         Kind = "thinking_begin"
	ThinkingDelta         Kind = "thinking_delta"
	ThinkingEnd           Kind = "thinking_end"
	ToolCall              Kind = "tool_call"
	ToolResult            Kind = "tool_result"
	LLMInvocationComplete Kind = "llm_invocation_complete"
	Usage                 Kind = "usage"
	SessionTitleUpdated   Kind = "session_title_updated"
	Error                 Kind = "error"
	Info                  Kind = "info"
	Done                  Kind = "done"
)

// Event is the canonical, non-persistent unit passed between C3 and C7.
type Event struct {
	Kind Kind

	// content_delta / thinking_delta
	ThinkingID string
	Delta      string

	// tool_call
	ToolID   string
	ToolName string
	ToolArgs json.RawMessage

	// tool_result
	ToolResultPayload any
	CacheHit          bool

	// llm_invocation_complete
	Sequence         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMS       int64
	FinishReason     string

	// error / info
	ErrorKind    string
	ErrorMessage string

	// session_title_updated
	Title string

	// done
	MessageID     string
	ContextInfo   map[string]any
	SessionInfo   map[string]any
	IsFinish      bool
	Status        int
}

// thinkState is the C3 tag state machine. Stateful only across chunks of a
// single LLM call; the Normalizer holds no buffers across iterations.
type thinkState int

const (
	outside thinkState = iota
	insideThink
)

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Normalizer converts raw frames for one LLM call into canonical events. A
// fresh Normalizer (or Reset) is required per iteration.
type Normalizer struct {
	state      thinkState
	carry      string
	thinkingID string
	idSeq      int
}

func NewNormalizer() *Normalizer { return &Normalizer{} }

// Reset clears per-iteration state; call before each new LLM call.
func (n *Normalizer) Reset() {
	n.state = outside
	n.carry = ""
	n.thinkingID = ""
}

func (n *Normalizer) freshThinkingID() string {
	n.idSeq++
	return "think-" + strconv.Itoa(n.idSeq)
}

// Content processes one message-delta chunk, splitting <think> boundaries
// that may straddle frames, and returns the canonical events it produces in
// order.
func (n *Normalizer) Content(chunk string) []Event {
	var out []Event
	buf := n.carry + chunk
	n.carry = ""

	for len(buf) > 0 {
		switch n.state {
		case outside:
			idx := indexOf(buf, openTag)
			if idx < 0 {
				if partial := partialSuffixMatch(buf, openTag); partial > 0 {
					if partial < len(buf) {
						out = append(out, Event{Kind: ContentDelta, Delta: buf[:len(buf)-partial]})
					}
					n.carry = buf[len(buf)-partial:]
					buf = ""
					break
				}
				out = append(out, Event{Kind: ContentDelta, Delta: buf})
				buf = ""
				break
			}
			if idx > 0 {
				out = append(out, Event{Kind: ContentDelta, Delta: buf[:idx]})
			}
			n.thinkingID = n.freshThinkingID()
			out = append(out, Event{Kind: ThinkingBegin, ThinkingID: n.thinkingID})
			n.state = insideThink
			buf = buf[idx+len(openTag):]

		case insideThink:
			idx := indexOf(buf, closeTag)
			if idx < 0 {
				if partial := partialSuffixMatch(buf, closeTag); partial > 0 {
					if partial < len(buf) {
						out = append(out, Event{Kind: ThinkingDelta, ThinkingID: n.thinkingID, Delta: buf[:len(buf)-partial]})
					}
					n.carry = buf[len(buf)-partial:]
					buf = ""
					break
				}
				out = append(out, Event{Kind: ThinkingDelta, ThinkingID: n.thinkingID, Delta: buf})
				buf = ""
				break
			}
			if idx > 0 {
				out = append(out, Event{Kind: ThinkingDelta, ThinkingID: n.thinkingID, Delta: buf[:idx]})
			}
			out = append(out, Event{Kind: ThinkingEnd, ThinkingID: n.thinkingID})
			n.state = outside
			buf = buf[idx+len(closeTag):]
		}
	}
	return out
}

// ToolCalls converts a ToolCallBlock frame into ordered tool_call events.
func (n *Normalizer) ToolCalls(calls []llm.FrameToolCall) []Event {
	out := make([]Event, 0, len(calls))
	for _, c := range calls {
		out = append(out, Event{Kind: ToolCall, ToolID: c.ID, ToolName: c.Name, ToolArgs: c.Args})
	}
	return out
}

// InvocationComplete builds the terminal llm_invocation_complete event. The
// caller (C4) supplies sequence and duration since the normalizer is
// stateless across iterations.
func InvocationComplete(sequence, promptTokens, completionTokens int, durationMS int64, finishReason string) Event {
	return Event{
		Kind:             LLMInvocationComplete,
		Sequence:         sequence,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		DurationMS:       durationMS,
		FinishReason:     finishReason,
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// partialSuffixMatch returns the length of the longest suffix of s that is
// a proper, non-empty prefix of tag — i.e. a tag boundary that might
// complete in the next chunk.
func partialSuffixMatch(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if s[len(s)-l:] == tag[:l] {
			return l
		}
	}
	return 0
}

