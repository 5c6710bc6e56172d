package chatapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (a *API) messageDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, r, "PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		userID, ok := a.currentUserID(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(r.URL.Path, "/api/v1/messages/")
		raw = strings.Trim(raw, "/")
		if raw == "" {
			http.NotFound(w, r)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "bad message id", http.StatusBadRequest)
			return
		}

		msg, err := a.rel.GetMessage(r.Context(), id)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		if _, err := a.rel.GetSession(r.Context(), userID, msg.SessionID); err != nil {
			writeStoreErr(w, err)
			return
		}

		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Content string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			// EditMessage implements C5's edit_message: it cascades the
			// soft-delete and un-summarize logic. The client is expected
			// to POST a fresh user message with the corrected content.
			if err := a.ctxMgr.EditMessage(r.Context(), raw, body.Content); err != nil {
				log.Error().Err(err).Str("message_id", raw).Msg("httpapi: edit message")
				writeStoreErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case http.MethodDelete:
			if err := a.rel.SoftDeleteMessage(r.Context(), id); err != nil {
				log.Error().Err(err).Str("message_id", raw).Msg("httpapi: delete message")
				writeStoreErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
