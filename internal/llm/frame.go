package llm

import (
	"context"
	"encoding/json"
	"time"
)

// FrameKind discriminates the RawFrame tagged union emitted by a Transport.
type FrameKind int

const (
	FrameMessageDelta FrameKind = iota
	FrameToolCallBlock
	FrameUsage
	FrameDone
	FrameError
)

// FrameToolCall is one entry of a ToolCallBlock frame.
type FrameToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// TransportErrorKind enumerates the C1 error taxonomy. The transport never
// retries; callers decide.
type TransportErrorKind int

const (
	ErrKindTransport TransportErrorKind = iota
	ErrKindDecode
	ErrKindModelHTTP
)

// RawFrame is the tagged union stream_chat yields. Exactly one of the
// payload fields is meaningful, selected by Kind.
type RawFrame struct {
	Kind FrameKind

	// FrameMessageDelta
	Role    string
	Content string

	// FrameToolCallBlock — arrives at most once per call, never on the
	// terminal done:true frame.
	ToolCalls []FrameToolCall

	// FrameUsage / FrameDone
	PromptTokens     int
	CompletionTokens int
	PromptCacheHit   bool
	FinishReason     string

	// FrameError
	ErrKind  TransportErrorKind
	ErrCode  int
	Err      error
}

// ModelParams carries the per-call generation parameters the caller wants
// applied on top of the model's catalog defaults.
type ModelParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Transport is the C1 contract: one outbound streaming call to a remote LLM
// HTTP endpoint. Implementations must not accumulate content deltas, must
// surface at most one ToolCallBlock frame (in the penultimate position when
// tool calls are present), and must forward usage counters on the terminal
// done:true frame.
type Transport interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolSchema, params ModelParams) (<-chan RawFrame, error)
}

// Clock abstracts time.Now for deterministic duration measurement in tests.
type Clock func() time.Time

func RealClock() time.Time { return time.Now() }
