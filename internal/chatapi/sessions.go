package chatapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"manifold/internal/store"
)

type createSessionBody struct {
	Title       string  `json:"title"`
	AIModel     string  `json:"ai_model"`
	SystemPrompt string `json:"system_prompt"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int    `json:"max_tokens"`
}

func (a *API) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, r, "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		userID, ok := a.currentUserID(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			cursor := time.Now()
			if raw := r.URL.Query().Get("cursor"); raw != "" {
				if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					cursor = t
				}
			}
			limit := 20
			if raw := r.URL.Query().Get("limit"); raw != "" {
				if v, err := strconv.Atoi(raw); err == nil && v > 0 {
					limit = v
				}
			}
			sessions, err := a.rel.ListSessions(r.Context(), userID, cursor, limit)
			if err != nil {
				log.Error().Err(err).Msg("httpapi: list sessions")
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, sessions)

		case http.MethodPost:
			var body createSessionBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			sess := store.Session{
				UserID:  userID,
				Title:   body.Title,
				ModelID: body.AIModel,
				SystemPromptOverride: body.SystemPrompt,
				Status:  store.SessionActive,
			}
			if body.Temperature != nil {
				sess.Temperature = *body.Temperature
			}
			if body.MaxTokens != nil {
				sess.MaxOutputTokens = *body.MaxTokens
			}
			created, err := a.rel.CreateSession(r.Context(), sess)
			if err != nil {
				log.Error().Err(err).Msg("httpapi: create session")
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, created)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (a *API) sessionDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.currentUserID(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, subresource, err := splitSessionPath(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		sessionID, err := uuid.Parse(id)
		if err != nil {
			http.Error(w, "bad session id", http.StatusBadRequest)
			return
		}

		switch subresource {
		case "messages":
			setCORS(w, r, "GET, POST, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			switch r.Method {
			case http.MethodGet:
				a.listMessages(w, r, userID, sessionID)
			case http.MethodPost:
				a.postMessage(w, r, userID, sessionID)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		case "":
			setCORS(w, r, "GET, PATCH, DELETE, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			switch r.Method {
			case http.MethodGet:
				a.getSession(w, r, userID, sessionID)
			case http.MethodPatch:
				a.patchSession(w, r, userID, sessionID)
			case http.MethodDelete:
				a.deleteSession(w, r, userID, sessionID)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		default:
			http.NotFound(w, r)
		}
	}
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, userID int64, sessionID uuid.UUID) {
	sess, err := a.rel.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) patchSession(w http.ResponseWriter, r *http.Request, userID int64, sessionID uuid.UUID) {
	var body struct {
		Title                *string  `json:"title"`
		SystemPrompt         *string  `json:"system_prompt"`
		Temperature          *float64 `json:"temperature"`
		MaxTokens            *int     `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sess, err := a.rel.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if body.Title != nil {
		sess.Title = *body.Title
	}
	if body.SystemPrompt != nil {
		sess.SystemPromptOverride = *body.SystemPrompt
	}
	if body.Temperature != nil {
		sess.Temperature = *body.Temperature
	}
	if body.MaxTokens != nil {
		sess.MaxOutputTokens = *body.MaxTokens
	}
	updated, err := a.rel.UpdateSession(r.Context(), sess)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request, userID int64, sessionID uuid.UUID) {
	if err := a.rel.SoftDeleteSession(r.Context(), userID, sessionID); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request, userID int64, sessionID uuid.UUID) {
	if _, err := a.rel.GetSession(r.Context(), userID, sessionID); err != nil {
		writeStoreErr(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	msgs, err := a.rel.ListMessages(r.Context(), sessionID, store.MessageFilter{Limit: limit})
	if err != nil {
		log.Error().Err(err).Msg("httpapi: list messages")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request, userID int64, sessionID uuid.UUID) {
	if allowed, _ := a.checkRateLimit(w, r, userID); !allowed {
		return
	}
	var body struct {
		Content         string  `json:"content"`
		ModelID         string  `json:"model_id"`
		ParentMessageID *string `json:"parent_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if _, err := a.rel.GetSession(r.Context(), userID, sessionID); err != nil {
		writeStoreErr(w, err)
		return
	}

	userMsg, err := a.rel.CreateMessage(r.Context(), store.Message{
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   body.Content,
		Status:    store.MessageCompleted,
	})
	if err != nil {
		log.Error().Err(err).Msg("chatapi: persist user message")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, userMsg)

	events := a.loop.RunTurn(r.Context(), sessionID, userID, userMsg, body.ModelID, a.onTitle, a.gw.TitleBroadcaster)
	go func() {
		for ev := range events {
			a.gw.Broadcast(userID, ev)
		}
		a.gw.ClearStop(userID, sessionID)
	}()
}

func splitSessionPath(path string) (id, subresource string, err error) {
	rest := strings.TrimPrefix(path, "/api/v1/chat/sessions/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", errors.New("empty path")
	}
	parts := strings.Split(rest, "/")
	id = parts[0]
	if len(parts) == 2 {
		subresource = parts[1]
	}
	return id, subresource, nil
}
