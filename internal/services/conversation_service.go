package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const (
	RouteChat     = "chat"
	RouteResearch = "research"
)

// ConversationService routes a user message to chat or research.
type ConversationService struct {
	sessions   *SessionService
	chat       *ChatService
	briefs     *BriefService
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewConversationService(sessions *SessionService, chat *ChatService, briefs *BriefService, dispatcher *Dispatcher, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{sessions: sessions, chat: chat, briefs: briefs, dispatcher: dispatcher, logger: logger}
}

// SendResult lists everything one send added to the session, in order.
type SendResult struct {
	Route    string           `json:"route"`
	Messages []models.Message `json:"messages"`
	Reply    *ChatReply       `json:"reply,omitempty"`
	Brief    *models.Brief    `json:"brief,omitempty"`
	Dispatch *DispatchResult  `json:"dispatch,omitempty"`
}

// Send stores text as a user message and answers it. A failure after the user
// message is stored still returns the result so far alongside the error; the
// session then ends with a system message describing the failure.
func (c *ConversationService) Send(ctx context.Context, userID, sessionID, text string) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.E(core.KindValidation, "services.Send", errors.New("message is empty"))
	}

	history, err := c.sessions.Messages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	userMsg, err := c.sessions.transcript.append(ctx, sessionID, models.RoleUser, text, nil)
	if err != nil {
		return nil, err
	}

	res := &SendResult{Route: RouteChat, Messages: []models.Message{*userMsg}}
	if !NeedsResearch(text) {
		reply, err := c.chat.Reply(ctx, sessionID, history, text)
		if err != nil {
			return c.withTail(ctx, res, sessionID, userMsg), err
		}
		res.Reply = reply
		res.Messages = append(res.Messages, *reply.Message)
		return res, nil
	}

	res.Route = RouteResearch
	log := c.logger.With(zap.String("session_id", sessionID))

	brief, err := c.briefs.Build(ctx, append(history, *userMsg))
	if err != nil {
		log.Warn("brief planning failed", zap.Error(err))
		meta := models.Metadata{"retryable": true, "reason": "brief"}
		if errors.Is(err, core.ErrInvalidBriefFormat) {
			meta["reason"] = "InvalidBriefFormat"
		}
		if m := c.sessions.transcript.systemError(ctx, sessionID, "I couldn't turn this into a research plan. Please try again or rephrase.", meta); m != nil {
			res.Messages = append(res.Messages, *m)
		}
		return res, err
	}
	res.Brief = brief

	dispatch, err := c.dispatcher.Dispatch(ctx, sessionID, brief)
	if err != nil {
		return c.withTail(ctx, res, sessionID, userMsg), err
	}
	res.Dispatch = dispatch
	res.Messages = append(res.Messages, *dispatch.Message)
	return res, nil
}

// withTail appends messages written after userMsg, such as the system
// message a failed step leaves behind.
func (c *ConversationService) withTail(ctx context.Context, res *SendResult, sessionID string, userMsg *models.Message) *SendResult {
	msgs, err := c.sessions.store().ListMessages(ctx, sessionID)
	if err != nil {
		return res
	}
	for i := range msgs {
		if msgs[i].ID != userMsg.ID {
			continue
		}
		for _, m := range msgs[i+1:] {
			if m.Role == models.RoleSystem {
				res.Messages = append(res.Messages, m)
			}
		}
		break
	}
	return res
}
