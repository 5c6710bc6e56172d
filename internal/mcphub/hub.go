// Package mcphub is the C2 MCP Tool Hub: an in-process JSON-RPC 2.0
// registry of tool servers, exposing initialize/tools.list/tools.call
// (and optionally resources.list/resources.read) to the Agent Loop.
package mcphub

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"manifold/internal/observability"
)

// ToolDefinition is the wire shape of one tool as listed by a server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// Cacheable opts the tool into the KV result cache (§4.2). Pure tools
	// (calculator) set this true; side-effectful tools leave it false.
	Cacheable bool
}

type ContentBlock struct {
	Type string
	Text string
}

type ToolCallResult struct {
	Content []ContentBlock
	IsError bool
}

// Server is the hub-side contract a tool provider implements. The built-in
// servers satisfy this directly; this module has no adapter for remote MCP
// servers.
type Server interface {
	Name() string
	Initialize(ctx context.Context) error
	GetTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error)
}

// Cache is the subset of the KV facade the hub needs for the tool-result
// cache hook; kept as a narrow interface so the hub doesn't import store
// directly.
type Cache interface {
	GetToolCache(ctx context.Context, fingerprint string) (json.RawMessage, bool, error)
	SetToolCache(ctx context.Context, fingerprint string, result json.RawMessage) error
}

// JSON-RPC 2.0 error codes per §6.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("mcp: %d %s", e.Code, e.Message) }

type toolEntry struct {
	def      ToolDefinition
	server   string
	resolved *jsonschema.Resolved
}

// Hub is read-mostly after startup: tool lookups take a read lock,
// registration takes a write lock (§5).
type Hub struct {
	mu       sync.RWMutex
	servers  map[string]Server
	order    []string
	tools    map[string]toolEntry // first-registration-wins by tool name
	byServer map[string][]ToolDefinition
	cache    Cache
}

func New(cache Cache) *Hub {
	return &Hub{
		servers:  make(map[string]Server),
		tools:    make(map[string]toolEntry),
		byServer: make(map[string][]ToolDefinition),
		cache:    cache,
	}
}

// RegisterServer performs `initialize` synchronously and caches the
// server's declared tools and their compiled schemas.
func (h *Hub) RegisterServer(ctx context.Context, srv Server) error {
	if err := srv.Initialize(ctx); err != nil {
		return fmt.Errorf("mcphub: initialize %s: %w", srv.Name(), err)
	}
	defs, err := srv.GetTools(ctx)
	if err != nil {
		return fmt.Errorf("mcphub: tools/list %s: %w", srv.Name(), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	name := srv.Name()
	h.servers[name] = srv
	h.order = append(h.order, name)
	h.byServer[name] = defs

	log := observability.LoggerWithTrace(ctx)
	for _, def := range defs {
		if _, exists := h.tools[def.Name]; exists {
			log.Warn().Str("tool", def.Name).Str("server", name).Msg("mcphub: duplicate tool name, first registration wins")
			continue
		}
		resolved, err := compileSchema(def.InputSchema)
		if err != nil {
			log.Warn().Err(err).Str("tool", def.Name).Msg("mcphub: schema compile failed, argument validation disabled for this tool")
		}
		h.tools[def.Name] = toolEntry{def: def, server: name, resolved: resolved}
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

// ListAllTools returns every registered tool grouped by server name.
func (h *Hub) ListAllTools(ctx context.Context) map[string][]ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]ToolDefinition, len(h.byServer))
	for k, v := range h.byServer {
		cp := make([]ToolDefinition, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// CallTool validates args against the declared schema, consults the
// result cache for cacheable tools, dispatches on cache miss, and
// reports cache_hit back to the caller for C6.
func (h *Hub) CallTool(ctx context.Context, toolName string, args json.RawMessage, serverName string) (result ToolCallResult, cacheHit bool, err error) {
	h.mu.RLock()
	entry, ok := h.tools[toolName]
	var srv Server
	if ok {
		if serverName != "" && serverName != entry.server {
			h.mu.RUnlock()
			return ToolCallResult{}, false, &RPCError{Code: CodeMethodNotFound, Message: "tool not registered on server " + serverName}
		}
		srv = h.servers[entry.server]
	}
	h.mu.RUnlock()

	if !ok || srv == nil {
		return ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: "tool not found: " + toolName}},
			IsError: true,
		}, false, nil
	}

	// Resolves Open Question 1 conservatively: always validate, even on a
	// cache hit path, before consulting the cache.
	if entry.resolved != nil {
		var instance any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &instance); err != nil {
				return errResult("invalid JSON arguments: " + err.Error()), false, nil
			}
		}
		if verr := entry.resolved.Validate(instance); verr != nil {
			return errResult("argument schema mismatch: " + verr.Error()), false, nil
		}
	}

	var fingerprint string
	if entry.def.Cacheable && h.cache != nil {
		canon := canonicalJSON(args)
		fingerprint = fingerprintOf(toolName, canon)
		if cached, hit, cerr := h.cache.GetToolCache(ctx, fingerprint); cerr == nil && hit {
			var r ToolCallResult
			if json.Unmarshal(cached, &r) == nil {
				return r, true, nil
			}
		}
	}

	result, err = srv.CallTool(ctx, toolName, args)
	if err != nil {
		return errResult(err.Error()), false, nil
	}

	if fingerprint != "" && !result.IsError {
		if b, merr := json.Marshal(result); merr == nil {
			_ = h.cache.SetToolCache(ctx, fingerprint, b)
		}
	}
	return result, false, nil
}

func errResult(msg string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: msg}}, IsError: true}
}

func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if len(raw) == 0 {
		return []byte("null")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

func fingerprintOf(toolName string, canonicalArgs []byte) string {
	sum := md5.Sum(canonicalArgs)
	return "tool_cache:" + toolName + ":" + hex.EncodeToString(sum[:])
}
