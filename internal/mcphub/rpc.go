package mcphub

import (
	"context"
	"encoding/json"
)

// Request/Response mirror JSON-RPC 2.0 framing even though the hub is
// in-process: the spec's C2 contract is stated as JSON-RPC 2.0, and
// keeping the same envelope means a remote MCP server can be registered
// as a hub participant with no wire-level translation.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type toolsCallParams struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ServerName string          `json:"server_name,omitempty"`
}

// Dispatch routes one JSON-RPC request to the hub's client-contract
// operations (§4.2): initialize, tools/list, tools/call, and the
// optional resources/list, resources/read.
func (h *Hub) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{"capabilities": map[string]any{"tools": true}}
	case "tools/list":
		resp.Result = h.ListAllTools(ctx)
	case "tools/call":
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
			return resp
		}
		result, cacheHit, err := h.CallTool(ctx, params.Name, params.Arguments, params.ServerName)
		if err != nil {
			if rerr, ok := err.(*RPCError); ok {
				resp.Error = rerr
				return resp
			}
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
			return resp
		}
		resp.Result = map[string]any{"content": result.Content, "is_error": result.IsError, "cache_hit": cacheHit}
	case "resources/list", "resources/read":
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "resources not supported by any registered server"}
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}
