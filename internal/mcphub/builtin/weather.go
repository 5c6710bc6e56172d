package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"manifold/internal/mcphub"
)

// Weather wraps a remote weather HTTP API, grounded on the original
// source's WeatherTool (OpenWeatherMap-shaped query). Side-effectful
// (network call with externally mutable state), so it opts out of the
// result cache.
type Weather struct {
	APIKey  string
	BaseURL string
	client  *http.Client
}

func NewWeather(apiKey, baseURL string) *Weather {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	return &Weather{APIKey: apiKey, BaseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Weather) Name() string { return "general" }

func (w *Weather) Initialize(ctx context.Context) error { return nil }

func (w *Weather) GetTools(ctx context.Context) ([]mcphub.ToolDefinition, error) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"location": {"type": "string", "description": "City name, e.g. Beijing"},
			"unit": {"type": "string", "enum": ["celsius", "fahrenheit"]}
		},
		"required": ["location"]
	}`)
	return []mcphub.ToolDefinition{
		{Name: "get_weather", Description: "Fetches current weather for a city.", InputSchema: schema, Cacheable: false},
	}, nil
}

type weatherArgs struct {
	Location string `json:"location"`
	Unit     string `json:"unit"`
}

func (w *Weather) CallTool(ctx context.Context, name string, args json.RawMessage) (mcphub.ToolCallResult, error) {
	if name != "get_weather" {
		return mcphub.ToolCallResult{}, fmt.Errorf("builtin: unknown tool %q", name)
	}
	var a weatherArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return errResult(err.Error()), nil
	}
	units := "metric"
	if a.Unit == "fahrenheit" {
		units = "imperial"
	}
	q := url.Values{"q": {a.Location}, "appid": {w.APIKey}, "units": {units}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return errResult(err.Error()), nil
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errResult(fmt.Sprintf("weather api returned %d", resp.StatusCode)), nil
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errResult(err.Error()), nil
	}
	b, _ := json.Marshal(payload)
	return mcphub.ToolCallResult{Content: []mcphub.ContentBlock{{Type: "json", Text: string(b)}}}, nil
}
