// Package chatapi is the REST surface of §6: session/message CRUD plus
// the model catalog, fronting the same store.Relational and turn.Loop
// the WebSocket gateway streams from. Grounded on the teacher's
// agentd/router.go + handlers_chat.go hand-registered-closure
// convention (no router framework).
package chatapi

import (
	"net/http"

	"manifold/internal/auth"
	"manifold/internal/gateway"
	"manifold/internal/ratelimit"
	"manifold/internal/store"
	"manifold/internal/turn"
)

// API wires the REST handlers to their dependencies.
type API struct {
	rel     store.Relational
	ctxMgr  *turn.ContextManager
	loop    *turn.Loop
	gw      *gateway.Gateway
	limiter *ratelimit.Limiter
	authOn  bool
	onTitle turn.TitleGenerator
}

func New(rel store.Relational, ctxMgr *turn.ContextManager, loop *turn.Loop, gw *gateway.Gateway, limiter *ratelimit.Limiter, authEnabled bool, onTitle turn.TitleGenerator) *API {
	return &API{rel: rel, ctxMgr: ctxMgr, loop: loop, gw: gw, limiter: limiter, authOn: authEnabled, onTitle: onTitle}
}

// Mount registers every /api/v1 route plus the WebSocket upgrade on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/chat/sessions", a.sessionsHandler())
	mux.HandleFunc("/api/v1/chat/sessions/", a.sessionDetailHandler())
	mux.HandleFunc("/api/v1/messages/", a.messageDetailHandler())
	mux.HandleFunc("/api/v1/chat/models", a.modelsHandler())
	mux.Handle("/ws/chat", a.gw)
}

func setCORS(w http.ResponseWriter, r *http.Request, methods string) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	if methods != "" {
		w.Header().Set("Access-Control-Allow-Methods", methods)
	}
}

func (a *API) currentUserID(r *http.Request) (int64, bool) {
	if !a.authOn {
		return 1, true
	}
	u, ok := auth.CurrentUser(r.Context())
	if !ok {
		return 0, false
	}
	return u.ID, true
}
