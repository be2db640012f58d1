package core

import "context"

// Turn is one entry of the two-party history sent to the chat provider.
type Turn struct {
	Role string // "user" or "model"
	Text string
}

const (
	TurnUser  = "user"
	TurnModel = "model"
)

// Completion is the provider's reply to a chat request.
type Completion struct {
	Text       string
	TokenCount int
	Model      string
}

// ChatProvider issues one non-streaming completion over a history plus a new user message.
type ChatProvider interface {
	Complete(ctx context.Context, history []Turn, message string, opts CompletionOptions) (*Completion, error)
}

// CompletionOptions are the fixed generation parameters for a call.
type CompletionOptions struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int32
	JSON         bool
}
