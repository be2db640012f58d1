package parallel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/markdave123-py/Sleuth/internal/models"
)

// OutputSchema asks the processor for the fields the outcome message renders.
var OutputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string", "description": "Concise answer to the research objective."},
    "key_facts": {"type": "array", "items": {"type": "string"}, "description": "Most important findings."},
    "sources": {"type": "array", "items": {"type": "string"}, "description": "URLs backing the findings."}
  },
  "required": ["summary", "key_facts", "sources"],
  "additionalProperties": false
}`)

var errNoSummary = errors.New("result has no summary")

type resultEnvelope struct {
	Run *struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	} `json:"run"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

type outputEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Basis   []struct {
		Citations []models.Source `json:"citations"`
	} `json:"basis"`
}

type resultFields struct {
	Summary  string          `json:"summary"`
	KeyFacts []string        `json:"key_facts"`
	Sources  []models.Source `json:"sources"`
}

// DecodeResult extracts summary, key facts and sources from a result
// document. It accepts the provider envelope ({run, output: {content}}),
// a bare {status, output: {...}} and a flat {summary, ...} object.
func DecodeResult(runID string, raw json.RawMessage) (*models.ResearchResult, error) {
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	res := &models.ResearchResult{RunID: runID, Status: models.TaskCompleted, Raw: raw}
	if env.Run != nil {
		if s, ok := NormalizeStatus(env.Run.Status); ok {
			res.Status = s
		}
	} else if s, ok := NormalizeStatus(env.Status); ok {
		res.Status = s
	}

	fields, citations, err := decodeOutput(env.Output)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		// flat document
		var flat resultFields
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("decode result fields: %w", err)
		}
		fields = &flat
	}
	if fields.Summary == "" {
		return nil, errNoSummary
	}

	res.Summary = fields.Summary
	res.KeyFacts = fields.KeyFacts
	res.Sources = fields.Sources
	if len(res.Sources) == 0 {
		res.Sources = citations
	}
	return res, nil
}

func decodeOutput(raw json.RawMessage) (*resultFields, []models.Source, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}

	var out outputEnvelope
	if raw[0] == '"' {
		out.Content = raw
	} else if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("decode output: %w", err)
	}

	var citations []models.Source
	seen := map[string]bool{}
	for _, b := range out.Basis {
		for _, c := range b.Citations {
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			citations = append(citations, c)
		}
	}

	content := bytes.TrimSpace(out.Content)
	if len(content) == 0 {
		// output itself carries the fields
		content = raw
	}
	if content[0] == '"' {
		// text output, either plain prose or JSON encoded as a string
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return nil, nil, fmt.Errorf("decode output text: %w", err)
		}
		var f resultFields
		if err := json.Unmarshal([]byte(s), &f); err == nil && f.Summary != "" {
			return &f, citations, nil
		}
		return &resultFields{Summary: s}, citations, nil
	}

	var f resultFields
	if err := json.Unmarshal(content, &f); err != nil {
		return nil, nil, fmt.Errorf("decode output content: %w", err)
	}
	return &f, citations, nil
}
