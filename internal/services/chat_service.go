package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const chatSystemPrompt = `You are Sleuth, a research assistant. Answer conversationally and concisely.
When a question needs fresh sources or a long investigation, say so and suggest asking for research.`

type ChatService struct {
	llm         core.ChatProvider
	transcript  transcript
	temperature float32
	maxTokens   int32
}

func NewChatService(store core.Store, llm core.ChatProvider, temperature float32, maxTokens int32, logger *zap.Logger) *ChatService {
	return &ChatService{
		llm:         llm,
		transcript:  newTranscript(store, logger),
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// ChatReply is a generated answer and the assistant message that stores it.
type ChatReply struct {
	Text       string          `json:"text"`
	TokenCount int             `json:"tokens"`
	Model      string          `json:"model"`
	Message    *models.Message `json:"message"`
}

// Reply sends history plus text to the chat model and records the answer.
// history must not already contain text. On failure a retryable system
// message is recorded and the typed error is returned.
func (s *ChatService) Reply(ctx context.Context, sessionID string, history []models.Message, text string) (*ChatReply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.E(core.KindValidation, "services.Reply", errors.New("message is empty"))
	}

	out, err := s.llm.Complete(ctx, ToTurns(history), text, core.CompletionOptions{
		SystemPrompt: chatSystemPrompt,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return nil, s.fail(ctx, sessionID, err)
	}

	msg, err := s.transcript.append(ctx, sessionID, models.RoleAssistant, out.Text, models.Metadata{
		"tokens": out.TokenCount,
		"model":  out.Model,
	})
	if err != nil {
		return nil, err
	}

	s.transcript.logger.Debug("chat reply",
		zap.String("session_id", sessionID), zap.Int("tokens", out.TokenCount), zap.String("model", out.Model))
	return &ChatReply{Text: out.Text, TokenCount: out.TokenCount, Model: out.Model, Message: msg}, nil
}

func (s *ChatService) fail(ctx context.Context, sessionID string, err error) error {
	reason := "ProviderError"
	if errors.Is(err, core.ErrNoResponseGenerated) {
		reason = "NoResponseGenerated"
	}
	s.transcript.logger.Warn("chat completion failed",
		zap.String("session_id", sessionID), zap.String("reason", reason), zap.Error(err))

	s.transcript.systemError(ctx, sessionID,
		fmt.Sprintf("Sorry, I couldn't generate a reply (%s). Please try again.", reason),
		models.Metadata{"retryable": true, "reason": reason})

	if core.KindOf(err) == core.KindInternal {
		return core.E(core.KindProvider, "services.Reply", err)
	}
	return err
}
