package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Sleuth/internal/core"
)

const DefaultModel = "gemini-1.5-flash"

type GeminiLLM struct {
	client    *genai.Client
	modelName string
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, core.E(core.KindConfiguration, "llm.NewGeminiLLM", errors.New("GEMINI_API_KEY not set"))
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, core.E(core.KindProvider, "llm.NewGeminiLLM", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &GeminiLLM{client: cl, modelName: modelName}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Complete replays history into a chat session and sends message as the next
// user turn.
func (g *GeminiLLM) Complete(ctx context.Context, history []core.Turn, message string, opts core.CompletionOptions) (*core.Completion, error) {
	const op = "llm.Complete"

	m := g.client.GenerativeModel(g.modelName)
	if opts.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(opts.SystemPrompt)},
		}
	}
	m.SetTemperature(opts.Temperature)
	if opts.MaxTokens > 0 {
		m.SetMaxOutputTokens(opts.MaxTokens)
	}
	if opts.JSON {
		m.ResponseMIMEType = "application/json"
	}

	cs := m.StartChat()
	var parts []genai.Part
	cs.History, parts = pendingTurn(toContents(history), message)

	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return nil, core.E(core.KindProvider, op, err)
	}

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, core.E(core.KindProvider, op, core.ErrNoResponseGenerated)
	}

	out := &core.Completion{Text: text, Model: g.modelName}
	if resp.UsageMetadata != nil {
		out.TokenCount = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// toContents converts turns to chat history. Consecutive turns with the same
// role share one Content since the API expects alternating roles.
func toContents(history []core.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		role := core.TurnUser
		if t.Role == core.TurnModel {
			role = core.TurnModel
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, genai.Text(t.Text))
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Text)}})
	}
	return out
}

// pendingTurn returns the history to replay and the parts of the next user
// turn. A trailing user content is folded into that turn so roles keep
// alternating.
func pendingTurn(history []*genai.Content, message string) ([]*genai.Content, []genai.Part) {
	if n := len(history); n > 0 && history[n-1].Role == core.TurnUser {
		parts := append(append([]genai.Part(nil), history[n-1].Parts...), genai.Text(message))
		return history[:n-1], parts
	}
	return history, []genai.Part{genai.Text(message)}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

var _ core.ChatProvider = (*GeminiLLM)(nil)
