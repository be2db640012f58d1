package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// MockLLM answers without a network call. It backs USE_MOCK_LLM and tests.
type MockLLM struct {
	mu    sync.Mutex
	calls []MockCall

	// Reply, when set, overrides the canned answer.
	Reply func(history []core.Turn, message string, opts core.CompletionOptions) (string, error)
}

// MockCall records one Complete invocation.
type MockCall struct {
	History []core.Turn
	Message string
	Opts    core.CompletionOptions
}

func NewMockLLM() *MockLLM { return &MockLLM{} }

func (m *MockLLM) Complete(_ context.Context, history []core.Turn, message string, opts core.CompletionOptions) (*core.Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{History: append([]core.Turn(nil), history...), Message: message, Opts: opts})
	reply := m.Reply
	m.mu.Unlock()

	var (
		text string
		err  error
	)
	switch {
	case reply != nil:
		text, err = reply(history, message, opts)
	case opts.JSON:
		text, err = cannedBrief(history, message)
	default:
		text = "You said: " + message
	}
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, core.E(core.KindProvider, "llm.MockLLM", core.ErrNoResponseGenerated)
	}
	return &core.Completion{Text: text, TokenCount: len(strings.Fields(text)), Model: "mock"}, nil
}

// Calls returns every recorded invocation.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// cannedBrief plans a brief around the latest user turn, or the last line
// of message when history has none.
func cannedBrief(history []core.Turn, message string) (string, error) {
	objective := strings.TrimSpace(message)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == core.TurnUser {
			objective = strings.TrimSpace(history[i].Text)
			break
		}
	}
	if i := strings.LastIndex(objective, "\n"); i >= 0 {
		objective = strings.TrimSpace(objective[i+1:])
	}
	b, err := json.Marshal(models.Brief{
		Objective:            objective,
		Constraints:          []string{},
		TargetSources:        []string{},
		DisallowedSources:    []string{},
		TimeboxMinutes:       10,
		ExpectedOutputFields: []string{"summary", "key_facts", "sources"},
		Summary:              objective,
	})
	return string(b), err
}

var _ core.ChatProvider = (*MockLLM)(nil)
