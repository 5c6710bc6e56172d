package turn

import (
	"context"

	"manifold/internal/llm"
)

// fakeTransport replays a fixed sequence of frame batches, one batch per
// StreamChat call, so a test can script a multi-iteration tool-calling turn
// without a live model endpoint.
type fakeTransport struct {
	batches [][]llm.RawFrame
	calls   int
}

func (t *fakeTransport) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, params llm.ModelParams) (<-chan llm.RawFrame, error) {
	idx := t.calls
	t.calls++
	var batch []llm.RawFrame
	if idx < len(t.batches) {
		batch = t.batches[idx]
	}
	out := make(chan llm.RawFrame, len(batch))
	for _, f := range batch {
		out <- f
	}
	close(out)
	return out, nil
}
