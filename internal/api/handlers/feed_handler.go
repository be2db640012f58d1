package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/api/respond"
	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/services"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

// FeedHandler pushes change notifications for one session or run over a
// websocket.
type FeedHandler struct {
	feed     core.ChangeFeed
	sessions *services.SessionService
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewFeedHandler(feed core.ChangeFeed, sessions *services.SessionService, logger *zap.Logger) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{
		feed:     feed,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *FeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := userFrom(r)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	filter := core.ChangeFilter{
		SessionID: r.URL.Query().Get("session_id"),
		RunID:     r.URL.Query().Get("run_id"),
	}
	if err := h.authorize(r.Context(), userID, filter); err != nil {
		respond.Error(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	changes, unsubscribe := h.feed.Subscribe(ctx, filter)
	defer unsubscribe()

	// client frames are ignored; reading surfaces the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

// authorize checks that userID owns what the filter selects.
func (h *FeedHandler) authorize(ctx context.Context, userID string, f core.ChangeFilter) error {
	const op = "handlers.Feed"
	if f.SessionID == "" && f.RunID == "" {
		return core.E(core.KindValidation, op, errors.New("session_id or run_id is required"))
	}
	if f.SessionID != "" {
		if _, err := h.sessions.Get(ctx, userID, f.SessionID); err != nil {
			return err
		}
	}
	if f.RunID != "" {
		run, err := h.sessions.TaskRun(ctx, userID, f.RunID)
		if err != nil {
			return err
		}
		if f.SessionID != "" && run.SessionID != f.SessionID {
			return core.E(core.KindNotFound, op, core.ErrNotFound)
		}
	}
	return nil
}
