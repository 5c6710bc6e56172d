package mcphub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/mcphub"
	"manifold/internal/mcphub/builtin"
)

// fakeCache is an in-memory mcphub.Cache used to exercise the tool-result
// cache hook without a live Redis connection.
type fakeCache struct {
	mu    sync.Mutex
	store map[string]json.RawMessage
	gets  int
	sets  int
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]json.RawMessage)} }

func (c *fakeCache) GetToolCache(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.store[fingerprint]
	return v, ok, nil
}

func (c *fakeCache) SetToolCache(ctx context.Context, fingerprint string, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.store[fingerprint] = result
	return nil
}

func TestHub_RegisterServer_ListsToolsGroupedByServer(t *testing.T) {
	hub := mcphub.New(nil)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	grouped := hub.ListAllTools(context.Background())
	require.Contains(t, grouped, "general")
	require.Len(t, grouped["general"], 1)
	assert.Equal(t, "calculator", grouped["general"][0].Name)
	assert.True(t, grouped["general"][0].Cacheable)
}

func TestHub_CallTool_UnknownToolReturnsErrorResult(t *testing.T) {
	hub := mcphub.New(nil)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	result, cacheHit, err := hub.CallTool(context.Background(), "does_not_exist", nil, "")
	require.NoError(t, err)
	assert.False(t, cacheHit)
	assert.True(t, result.IsError)
}

func TestHub_CallTool_SchemaValidationRejectsMissingRequiredField(t *testing.T) {
	hub := mcphub.New(nil)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	result, _, err := hub.CallTool(context.Background(), "calculator", []byte(`{}`), "")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	assert.Contains(t, result.Content[0].Text, "schema mismatch")
}

func TestHub_CallTool_CacheableToolPopulatesAndHitsCache(t *testing.T) {
	cache := newFakeCache()
	hub := mcphub.New(cache)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	args := []byte(`{"expression":"2+2"}`)

	result, cacheHit, err := hub.CallTool(context.Background(), "calculator", args, "")
	require.NoError(t, err)
	assert.False(t, cacheHit, "first call must be a cache miss")
	assert.False(t, result.IsError)
	assert.Equal(t, 1, cache.sets)

	result2, cacheHit2, err := hub.CallTool(context.Background(), "calculator", args, "")
	require.NoError(t, err)
	assert.True(t, cacheHit2, "second call with identical args should hit the cache")
	assert.Equal(t, result.Content, result2.Content)
	assert.Equal(t, 1, cache.sets, "cache should not be written again on a hit")
}

func TestHub_CallTool_WrongServerNameRejected(t *testing.T) {
	hub := mcphub.New(nil)
	require.NoError(t, hub.RegisterServer(context.Background(), builtin.NewCalculator()))

	_, _, err := hub.CallTool(context.Background(), "calculator", []byte(`{"expression":"1+1"}`), "some-other-server")
	require.Error(t, err)
	var rpcErr *mcphub.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcphub.CodeMethodNotFound, rpcErr.Code)
}
