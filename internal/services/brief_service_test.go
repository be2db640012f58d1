package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/llm"
	"github.com/markdave123-py/Sleuth/internal/models"
)

func TestParseBriefValid(t *testing.T) {
	b, err := ParseBrief(validBrief)
	require.NoError(t, err)
	assert.Equal(t, "Compare EV battery chemistries", b.Objective)
	assert.Equal(t, 15, b.TimeboxMinutes)
	assert.Equal(t, []string{}, b.DisallowedSources)
}

func TestParseBriefStripsFences(t *testing.T) {
	for _, text := range []string{
		"```json\n" + validBrief + "\n```",
		"```\n" + validBrief + "\n```",
		"  ```" + validBrief + "```  ",
	} {
		b, err := ParseBrief(text)
		require.NoError(t, err, text)
		assert.Equal(t, "EV battery comparison", b.Summary)
	}
}

func TestParseBriefMissingEachField(t *testing.T) {
	for _, field := range models.BriefFields {
		t.Run(field, func(t *testing.T) {
			var doc map[string]any
			require.NoError(t, json.Unmarshal([]byte(validBrief), &doc))
			delete(doc, field)
			b, _ := json.Marshal(doc)

			_, err := ParseBrief(string(b))
			assert.ErrorIs(t, err, core.ErrInvalidBriefFormat)
			assert.Equal(t, core.KindValidation, core.KindOf(err))
		})
	}
}

func TestParseBriefRejects(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"prose":       "Sure! Here is your brief.",
		"array":       "[1,2,3]",
		"null field":  `{"objective":"x","constraints":null,"target_sources":[],"disallowed_sources":[],"timebox_minutes":5,"expected_output_fields":[],"summary":"s"}`,
		"wrong type":  `{"objective":"x","constraints":"none","target_sources":[],"disallowed_sources":[],"timebox_minutes":5,"expected_output_fields":[],"summary":"s"}`,
		"string time": `{"objective":"x","constraints":[],"target_sources":[],"disallowed_sources":[],"timebox_minutes":"ten","expected_output_fields":[],"summary":"s"}`,
		"blank goal":  `{"objective":"  ","constraints":[],"target_sources":[],"disallowed_sources":[],"timebox_minutes":5,"expected_output_fields":[],"summary":"s"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := ParseBrief(text)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, core.ErrInvalidBriefFormat)
		})
	}
}

func TestBriefServiceBuild(t *testing.T) {
	m := llm.NewMockLLM()
	m.Reply = func(history []core.Turn, message string, opts core.CompletionOptions) (string, error) {
		return "```json\n" + validBrief + "\n```", nil
	}
	svc := NewBriefService(m, nil)

	history := []models.Message{
		{Role: models.RoleUser, Content: "I want to compare EV batteries"},
		{Role: models.RoleSystem, Content: "ignored"},
	}
	b, err := svc.Build(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "Compare EV battery chemistries", b.Objective)

	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Opts.JSON)
	assert.Equal(t, planningInstruction, calls[0].Message)
	assert.Equal(t, []core.Turn{{Role: core.TurnUser, Text: "I want to compare EV batteries"}}, calls[0].History)
}

func TestBriefServiceBuildInvalid(t *testing.T) {
	m := llm.NewMockLLM()
	m.Reply = func([]core.Turn, string, core.CompletionOptions) (string, error) {
		return `{"objective":"only this"}`, nil
	}
	b, err := NewBriefService(m, nil).Build(context.Background(), nil)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, core.ErrInvalidBriefFormat)
}
