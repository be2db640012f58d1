package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/services"
)

type ChatHandler struct {
	sessions *services.SessionService
	chat     *services.ChatService
	briefs   *services.BriefService
}

func NewChatHandler(sessions *services.SessionService, chat *services.ChatService, briefs *services.BriefService) *ChatHandler {
	return &ChatHandler{sessions: sessions, chat: chat, briefs: briefs}
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type ChatResponse struct {
	UserMessage *models.Message     `json:"user_message"`
	Reply       *services.ChatReply `json:"reply"`
}

// Send stores the user's message and answers it with the chat model.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respond.Error(w, r, core.E(core.KindValidation, "handlers.ChatSend", errors.New("session_id is required")))
		return
	}

	ctx := r.Context()
	history, err := h.sessions.Messages(ctx, userID, req.SessionID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	userMsg, err := h.sessions.AddMessage(ctx, userID, req.SessionID, req.Message)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	reply, err := h.chat.Reply(ctx, req.SessionID, history, req.Message)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, ChatResponse{UserMessage: userMsg, Reply: reply})
}

type PlanRequest struct {
	SessionID string `json:"session_id"`
}

type PlanResponse struct {
	Brief *models.Brief `json:"brief"`
}

// Plan turns the session transcript into a research brief.
func (h *ChatHandler) Plan(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req PlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}

	msgs, err := h.sessions.Messages(r.Context(), userID, req.SessionID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	if len(msgs) == 0 {
		respond.Error(w, r, core.E(core.KindValidation, "handlers.ChatPlan", errors.New("session has no messages to plan from")))
		return
	}

	brief, err := h.briefs.Build(r.Context(), msgs)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, PlanResponse{Brief: brief})
}
