package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"manifold/internal/mcphub"
)

// Search wraps a Serper-shaped web search API, grounded on the original
// source's SearchTool. Side-effectful, not cacheable.
type Search struct {
	APIKey  string
	BaseURL string
	client  *http.Client
}

func NewSearch(apiKey, baseURL string) *Search {
	if baseURL == "" {
		baseURL = "https://google.serper.dev/search"
	}
	return &Search{APIKey: apiKey, BaseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (s *Search) Name() string { return "general" }

func (s *Search) Initialize(ctx context.Context) error { return nil }

func (s *Search) GetTools(ctx context.Context) ([]mcphub.ToolDefinition, error) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"num_results": {"type": "integer", "minimum": 1, "maximum": 10}
		},
		"required": ["query"]
	}`)
	return []mcphub.ToolDefinition{
		{Name: "web_search", Description: "Performs a web search and returns top results.", InputSchema: schema, Cacheable: false},
	}, nil
}

type searchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

func (s *Search) CallTool(ctx context.Context, name string, args json.RawMessage) (mcphub.ToolCallResult, error) {
	if name != "web_search" {
		return mcphub.ToolCallResult{}, fmt.Errorf("builtin: unknown tool %q", name)
	}
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(err.Error()), nil
	}
	if a.NumResults <= 0 || a.NumResults > 10 {
		a.NumResults = 5
	}
	body, _ := json.Marshal(map[string]any{"q": a.Query, "num": a.NumResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return errResult(err.Error()), nil
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errResult(fmt.Sprintf("search api returned %d", resp.StatusCode)), nil
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errResult(err.Error()), nil
	}
	b, _ := json.Marshal(payload)
	return mcphub.ToolCallResult{Content: []mcphub.ContentBlock{{Type: "json", Text: string(b)}}}, nil
}
