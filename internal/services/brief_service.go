package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const planningInstruction = `Turn the conversation above into a research brief.
Respond with one JSON object and nothing else, using exactly these fields:
{
  "objective": string, the single question the research must answer,
  "constraints": array of strings, scope limits the user stated or implied,
  "target_sources": array of strings, source types or sites to prefer,
  "disallowed_sources": array of strings, sources to avoid,
  "timebox_minutes": integer, how long the research should take,
  "expected_output_fields": array of strings, what the answer must contain,
  "summary": string, one sentence describing the brief
}
Use empty arrays when nothing applies.`

type BriefService struct {
	llm    core.ChatProvider
	logger *zap.Logger
}

func NewBriefService(llm core.ChatProvider, logger *zap.Logger) *BriefService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BriefService{llm: llm, logger: logger}
}

// Build asks the chat model to plan a brief from history.
func (s *BriefService) Build(ctx context.Context, history []models.Message) (*models.Brief, error) {
	out, err := s.llm.Complete(ctx, ToTurns(history), planningInstruction, core.CompletionOptions{
		Temperature: 0.2,
		MaxTokens:   1024,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	b, err := ParseBrief(out.Text)
	if err != nil {
		s.logger.Warn("brief rejected", zap.Error(err), zap.Int("response_len", len(out.Text)))
		return nil, err
	}
	return b, nil
}

// ParseBrief decodes a model response into a Brief. Every field must be
// present; anything else fails with ErrInvalidBriefFormat.
func ParseBrief(text string) (*models.Brief, error) {
	const op = "services.ParseBrief"
	invalid := func(format string, args ...any) error {
		return core.E(core.KindValidation, op, fmt.Errorf("%w: "+format, append([]any{core.ErrInvalidBriefFormat}, args...)...))
	}

	raw := []byte(stripFences(text))
	if len(raw) == 0 {
		return nil, invalid("empty response")
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid("not a JSON object: %v", err)
	}
	for _, f := range models.BriefFields {
		v, ok := doc[f]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, invalid("missing field %q", f)
		}
	}

	var b models.Brief
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, invalid("%v", err)
	}
	if strings.TrimSpace(b.Objective) == "" {
		return nil, invalid("objective is empty")
	}
	if b.TimeboxMinutes < 0 {
		return nil, invalid("timebox_minutes is negative")
	}
	return &b, nil
}

// stripFences removes a surrounding Markdown code fence.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
