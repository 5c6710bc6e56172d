// Package ndjson implements the C1 LLM Transport wire contract: one
// outbound streaming HTTP call whose response body is newline-delimited
// JSON, compatible with Ollama-style chat/completions streaming.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"manifold/internal/llm"
	"manifold/internal/observability"
)

// Config controls pooling and deadlines for one Transport instance. Shared
// across sessions per the spec's pooled-client requirement.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	CallDeadline   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CallDeadline <= 0 {
		c.CallDeadline = 300 * time.Second
	}
	return c
}

// Transport is the reference llm.Transport: it speaks the §6 NDJSON wire
// format directly over a pooled *http.Client.
type Transport struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireLine struct {
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount *int `json:"prompt_eval_count,omitempty"`
	EvalCount       *int `json:"eval_count,omitempty"`
}

func toWireMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolID}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.ID = tc.ID
			w.Function.Name = tc.Name
			w.Function.Arguments = tc.Args
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []llm.ToolSchema) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var w wireTool
		w.Type = "function"
		w.Function.Name = t.Name
		w.Function.Description = t.Description
		w.Function.Parameters = t.Parameters
		out = append(out, w)
	}
	return out
}

// StreamChat opens the streaming HTTP call and returns a channel of RawFrame.
// The channel is closed after a Done or Error frame; the caller must drain it.
func (t *Transport) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, params llm.ModelParams) (<-chan llm.RawFrame, error) {
	ctx, span := llm.StartRequestSpan(ctx, "ndjson.stream_chat", params.Model, len(tools), len(messages))

	reqBody := wireRequest{
		Model:    params.Model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(tools),
		Stream:   true,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("ndjson: encode request: %w", err)
	}
	llm.LogRedactedPrompt(ctx, messages)

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, t.cfg.CallDeadline)
	req, err := http.NewRequestWithContext(deadlineCtx, http.MethodPost, t.cfg.BaseURL, bytes.NewReader(b))
	if err != nil {
		cancelDeadline()
		span.End()
		return nil, fmt.Errorf("ndjson: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	// The connect timeout bounds the wait for response headers; the call
	// deadline bounds the whole call, body included.
	connectTimer := time.AfterFunc(t.cfg.ConnectTimeout, cancelDeadline)
	resp, err := t.client.Do(req)
	connectTimer.Stop()
	if err != nil {
		cancelDeadline()
		span.End()
		out := make(chan llm.RawFrame, 1)
		out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindTransport, Err: err}
		close(out)
		return out, nil
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancelDeadline()
		span.End()
		out := make(chan llm.RawFrame, 1)
		out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindModelHTTP, ErrCode: resp.StatusCode, Err: fmt.Errorf("ndjson: model endpoint returned %d", resp.StatusCode)}
		close(out)
		return out, nil
	}

	out := make(chan llm.RawFrame, 16)
	log := observability.LoggerWithTrace(ctx)

	go func() {
		defer span.End()
		defer cancelDeadline()
		defer resp.Body.Close()
		defer close(out)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		bodyClosed := make(chan struct{})
		go func() {
			<-deadlineCtx.Done()
			resp.Body.Close()
			close(bodyClosed)
		}()

		var sawToolCalls bool
		for scanner.Scan() {
			select {
			case <-deadlineCtx.Done():
				out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindTransport, Err: deadlineCtx.Err()}
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var wl wireLine
			if err := json.Unmarshal(line, &wl); err != nil {
				out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindDecode, Err: err}
				return
			}

			if len(wl.Message.ToolCalls) > 0 && !wl.Done {
				sawToolCalls = true
				calls := make([]llm.FrameToolCall, 0, len(wl.Message.ToolCalls))
				for _, tc := range wl.Message.ToolCalls {
					calls = append(calls, llm.FrameToolCall{ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments})
				}
				out <- llm.RawFrame{Kind: llm.FrameToolCallBlock, ToolCalls: calls}
			}

			if wl.Message.Content != "" && !wl.Done {
				out <- llm.RawFrame{Kind: llm.FrameMessageDelta, Role: wl.Message.Role, Content: wl.Message.Content}
			}

			if wl.Done {
				prompt, completion := 0, 0
				if wl.PromptEvalCount != nil {
					prompt = *wl.PromptEvalCount
				}
				if wl.EvalCount != nil {
					completion = *wl.EvalCount
				}
				finish := "stop"
				if sawToolCalls {
					finish = "tool_calls"
				}
				out <- llm.RawFrame{Kind: llm.FrameUsage, PromptTokens: prompt, CompletionTokens: completion, FinishReason: finish}
				llm.RecordTokenMetrics(params.Model, prompt, completion)
				out <- llm.RawFrame{Kind: llm.FrameDone, FinishReason: finish}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case <-deadlineCtx.Done():
				out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindTransport, Err: deadlineCtx.Err()}
			default:
				out <- llm.RawFrame{Kind: llm.FrameError, ErrKind: llm.ErrKindTransport, Err: err}
			}
			return
		}
		log.Debug().Str("model", params.Model).Msg("ndjson stream ended without done:true")
	}()

	return out, nil
}
