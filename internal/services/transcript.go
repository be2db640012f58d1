package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// transcript appends messages to a session and keeps its activity time current.
type transcript struct {
	store  core.Store
	logger *zap.Logger
	now    func() time.Time
}

func newTranscript(store core.Store, logger *zap.Logger) transcript {
	if logger == nil {
		logger = zap.NewNop()
	}
	return transcript{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (t transcript) append(ctx context.Context, sessionID string, role models.Role, content string, meta models.Metadata) (*models.Message, error) {
	m := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: t.now(),
	}
	if err := t.store.InsertMessage(ctx, m); err != nil {
		return nil, core.E(core.KindPersistence, "services.appendMessage", err)
	}
	if err := t.store.TouchSession(ctx, sessionID, m.CreatedAt); err != nil {
		t.logger.Warn("touch session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return m, nil
}

// systemError records a failure the user must see. The returned message is
// nil when even that insert failed.
func (t transcript) systemError(ctx context.Context, sessionID, content string, meta models.Metadata) *models.Message {
	if meta == nil {
		meta = models.Metadata{}
	}
	meta["error"] = true
	m, err := t.append(ctx, sessionID, models.RoleSystem, content, meta)
	if err != nil {
		t.logger.Error("could not record system message",
			zap.String("session_id", sessionID), zap.String("content", content), zap.Error(err))
		return nil
	}
	return m
}

// ToTurns maps stored messages onto the two-party chat history. Roles that
// are not part of the conversation are dropped.
func ToTurns(msgs []models.Message) []core.Turn {
	out := make([]core.Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, core.Turn{Role: core.TurnUser, Text: m.Content})
		case models.RoleAssistant, models.RoleResearch:
			out = append(out, core.Turn{Role: core.TurnModel, Text: m.Content})
		}
	}
	return out
}
