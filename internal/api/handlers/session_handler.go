package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/services"
)

type SessionHandler struct {
	sessions     *services.SessionService
	conversation *services.ConversationService
}

func NewSessionHandler(sessions *services.SessionService, conversation *services.ConversationService) *SessionHandler {
	return &SessionHandler{sessions: sessions, conversation: conversation}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))

	sessions, err := h.sessions.List(r.Context(), userID, includeArchived)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string][]models.Session{"sessions": sessions})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respond.Error(w, r, err)
			return
		}
	}

	sess, err := h.sessions.Create(r.Context(), userID, req.Title)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, sess)
}

// Update renames a session or changes its status (archive / restore).
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req services.SessionUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	sess, err := h.sessions.Update(r.Context(), userID, chi.URLParam(r, "id"), req)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, sess)
}

// Delete removes a session with its transcript and task runs.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	if err := h.sessions.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	msgs, err := h.sessions.Messages(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string][]models.Message{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage stores a user message and routes it to chat or research.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	res, err := h.conversation.Send(r.Context(), userID, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		// the transcript already holds the failure; the client refetches it
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}
