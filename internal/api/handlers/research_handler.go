package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/services"
)

type ResearchHandler struct {
	sessions   *services.SessionService
	dispatcher *services.Dispatcher
	reconciler *services.Reconciler
	relay      *services.Relay
}

func NewResearchHandler(sessions *services.SessionService, dispatcher *services.Dispatcher, reconciler *services.Reconciler, relay *services.Relay) *ResearchHandler {
	return &ResearchHandler{sessions: sessions, dispatcher: dispatcher, reconciler: reconciler, relay: relay}
}

type StartRequest struct {
	SessionID string        `json:"session_id"`
	Brief     *models.Brief `json:"brief"`
}

// Start dispatches a brief as a new task run.
func (h *ResearchHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	var req StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, r, err)
		return
	}
	if req.Brief == nil {
		respond.Error(w, r, core.E(core.KindValidation, "handlers.ResearchStart", core.ErrInvalidBriefFormat))
		return
	}
	if _, err := h.sessions.Get(r.Context(), userID, req.SessionID); err != nil {
		respond.Error(w, r, err)
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), req.SessionID, req.Brief)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}

// Webhook applies a provider status callback. It is authenticated by its
// signature, not by a user token.
func (h *ResearchHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	out, err := h.reconciler.HandleWebhook(r.Context(), r.Header, body)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, out)
}

// Stream relays the provider event stream for a run the caller owns.
func (h *ResearchHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	runID := chi.URLParam(r, "run_id")
	if _, err := h.sessions.TaskRun(r.Context(), userID, runID); err != nil {
		respond.Error(w, r, err)
		return
	}

	if err := h.relay.Stream(r.Context(), w, runID, r.Header.Get("Last-Event-ID")); err != nil {
		respond.Error(w, r, err)
	}
}

// TaskRun reports the stored state of a run.
func (h *ResearchHandler) TaskRun(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		respond.Error(w, r, core.E(core.KindValidation, "handlers.TaskRun", errors.New("run_id is required")))
		return
	}

	run, err := h.sessions.TaskRun(r.Context(), userID, runID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, run)
}
