// Package gateway is C7: the WebSocket Stream Gateway fronting the Agent
// Loop, grounded on the original backend's ConnectionManager (heartbeat
// task + stop_generation_flags keyed "{user_id}:{session_id}") and
// rewritten onto gorilla/websocket, promoted here from an unused
// indirect dependency to the transport this package is built on.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"manifold/internal/auth"
	"manifold/internal/events"
)

const (
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
)

// event_type codes, the stable wire contract of §6.
const (
	TypeConnected            = 1000
	TypeErrorEnvelope        = 1999
	TypeMessageStart         = 2000
	TypeMessageContent       = 2001
	TypeMessageDone          = 2002
	TypeThinkingStart        = 3000
	TypeThinkingDelta        = 3001
	TypeThinkingComplete     = 3002
	TypeToolCall             = 4000
	TypeToolResult           = 4001
	TypeLLMInvocationComplete = 5000
	TypeSessionTitleUpdated  = 6000
	TypePing                 = 9000
	TypePong                 = 9001
)

// envelope is the wire shape of §6: event_id travels as a string and
// event_data as an already-JSON-encoded string, not a nested object.
type envelope struct {
	EventType int    `json:"event_type"`
	EventID   string `json:"event_id"`
	EventData string `json:"event_data"`
}

type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserText  string `json:"user_text"`
	ModelID   string `json:"model_id"`
}

// conn wraps one authenticated WebSocket connection and its per-type
// event_id sequence counters (reset to 0 when the event_type changes,
// else incremented — §6's strict sequencing rule).
type conn struct {
	ws       *websocket.Conn
	mu       sync.Mutex
	lastType int
	lastSeq  int
}

func (c *conn) send(eventType int, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if eventType == c.lastType {
		c.lastSeq++
	} else {
		c.lastSeq = 0
		c.lastType = eventType
	}
	env := envelope{EventType: eventType, EventID: strconv.Itoa(c.lastSeq), EventData: string(encoded)}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Gateway holds one active connection per user and the stop-generation
// flags C4 polls at every suspension point.
type Gateway struct {
	upgrader websocket.Upgrader
	verifier *oidc.IDTokenVerifier
	users    *auth.Store

	mu        sync.RWMutex
	conns     map[int64]*conn
	stopFlags map[string]bool
}

func New(verifier *oidc.IDTokenVerifier, users *auth.Store) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		verifier:  verifier,
		users:     users,
		conns:     make(map[int64]*conn),
		stopFlags: make(map[string]bool),
	}
}

// Cancelled implements turn.CancelSource.
func (g *Gateway) Cancelled(userID int64, sessionID uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopFlags[stopKey(userID, sessionID)]
}

func stopKey(userID int64, sessionID uuid.UUID) string {
	return strconv.FormatInt(userID, 10) + ":" + sessionID.String()
}

// ServeHTTP authenticates via the `token` query parameter (an OIDC ID
// token, per connect(user_id, token)), upgrades to a WebSocket, and
// drives the read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || g.verifier == nil {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	idt, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	var claims auth.Claims
	if err := idt.Claims(&claims); err != nil || claims.Email == "" {
		http.Error(w, "invalid claims", http.StatusUnauthorized)
		return
	}
	user, err := g.users.UpsertUser(r.Context(), &auth.User{Email: claims.Email, Name: claims.Name, Picture: claims.Picture, Provider: "oidc", Subject: idt.Subject})
	if err != nil {
		http.Error(w, "user resolution failed", http.StatusInternalServerError)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("gateway: upgrade failed")
		return
	}
	c := &conn{ws: ws, lastType: -1}

	g.mu.Lock()
	if old, ok := g.conns[user.ID]; ok {
		_ = old.ws.Close()
	}
	g.conns[user.ID] = c
	g.mu.Unlock()

	defer g.disconnect(user.ID)

	_ = c.send(TypeConnected, map[string]any{"message": "connected"})

	stop := make(chan struct{})
	go g.heartbeat(c, stop)
	defer close(stop)

	g.readLoop(r.Context(), user.ID, c)
}

func (g *Gateway) disconnect(userID int64) {
	g.mu.Lock()
	delete(g.conns, userID)
	g.mu.Unlock()
}

func (g *Gateway) heartbeat(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(TypePing, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, userID int64, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.send(TypeErrorEnvelope, map[string]any{"error": "invalid JSON"})
			continue
		}
		switch msg.Type {
		case "pong":
			// liveness acknowledged; nothing to do.
		case "stop_generation":
			if msg.SessionID == "" {
				_ = c.send(TypeErrorEnvelope, map[string]any{"error": "missing session_id"})
				continue
			}
			sid, err := uuid.Parse(msg.SessionID)
			if err != nil {
				_ = c.send(TypeErrorEnvelope, map[string]any{"error": "invalid session_id"})
				continue
			}
			g.setStop(userID, sid)
		default:
			_ = c.send(TypeErrorEnvelope, map[string]any{"error": "unknown message type: " + msg.Type})
		}
	}
}

func (g *Gateway) setStop(userID int64, sessionID uuid.UUID) {
	g.mu.Lock()
	g.stopFlags[stopKey(userID, sessionID)] = true
	g.mu.Unlock()
}

// ClearStop removes the stop-generation flag; called once a turn whose
// cancellation it triggered has reached FINALIZE, so the next turn on
// the same session isn't cancelled before it starts.
func (g *Gateway) ClearStop(userID int64, sessionID uuid.UUID) {
	g.mu.Lock()
	delete(g.stopFlags, stopKey(userID, sessionID))
	g.mu.Unlock()
}

// Broadcast delivers a canonical event to the user's active connection,
// if any; a user with no open connection simply misses it (the REST API
// remains the durable source of truth).
func (g *Gateway) Broadcast(userID int64, ev events.Event) {
	g.mu.RLock()
	c, ok := g.conns[userID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	eventType, data := toWire(ev)
	_ = c.send(eventType, data)
}

// TitleBroadcaster satisfies turn.TitleBroadcaster.
func (g *Gateway) TitleBroadcaster(userID int64, sessionID uuid.UUID, title string) {
	g.Broadcast(userID, events.Event{Kind: events.SessionTitleUpdated, Title: title})
}

func toWire(ev events.Event) (int, any) {
	switch ev.Kind {
	case events.ContentDelta:
		return TypeMessageContent, map[string]any{"delta": ev.Delta, "content_type": 10000}
	case events.ThinkingBegin:
		return TypeThinkingStart, map[string]any{"thinking_id": ev.ThinkingID, "content_type": 10040}
	case events.ThinkingDelta:
		return TypeThinkingDelta, map[string]any{"thinking_id": ev.ThinkingID, "delta": ev.Delta, "content_type": 10040}
	case events.ThinkingEnd:
		return TypeThinkingComplete, map[string]any{"thinking_id": ev.ThinkingID}
	case events.ToolCall:
		return TypeToolCall, map[string]any{"tool_id": ev.ToolID, "tool_name": ev.ToolName, "args": ev.ToolArgs, "content_type": 10050}
	case events.ToolResult:
		return TypeToolResult, map[string]any{"tool_id": ev.ToolID, "tool_name": ev.ToolName, "result": ev.ToolResultPayload, "cache_hit": ev.CacheHit, "content_type": 10051}
	case events.LLMInvocationComplete:
		return TypeLLMInvocationComplete, map[string]any{
			"sequence": ev.Sequence, "prompt_tokens": ev.PromptTokens, "completion_tokens": ev.CompletionTokens,
			"total_tokens": ev.TotalTokens, "duration_ms": ev.DurationMS, "finish_reason": ev.FinishReason,
		}
	case events.SessionTitleUpdated:
		return TypeSessionTitleUpdated, map[string]any{"title": ev.Title}
	case events.Error:
		return TypeErrorEnvelope, map[string]any{"kind": ev.ErrorKind, "message": ev.ErrorMessage, "content_type": 10099}
	case events.Done:
		return TypeMessageDone, map[string]any{
			"message_id": ev.MessageID, "context_info": ev.ContextInfo, "session_info": ev.SessionInfo,
			"is_finish": ev.IsFinish, "status": ev.Status,
		}
	default:
		return TypeMessageStart, nil
	}
}
