package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

func testBrief(t *testing.T) *models.Brief {
	t.Helper()
	b, err := ParseBrief(validBrief)
	require.NoError(t, err)
	return b
}

func TestDispatchPersistsRunBeforeMessage(t *testing.T) {
	ctx := context.Background()
	st, changes := newStore(t)
	sess := seedSession(t, st, "u1")
	p := newFakeProvider()

	d := NewDispatcher(st, p, DispatcherConfig{Processor: "core", EnableEvents: true, WebhookURL: "https://hooks.example/api/parallel-webhook"}, nil)
	res, err := d.Dispatch(ctx, sess.ID, testBrief(t))
	require.NoError(t, err)

	assert.Equal(t, "run_42", res.RunID)
	assert.Equal(t, models.TaskQueued, res.Status)
	assert.Equal(t, "/api/research-stream/run_42", res.StreamURL)
	assert.Equal(t, models.RoleResearch, res.Message.Role)
	assert.Contains(t, res.Message.Content, "run_42")
	assert.Contains(t, res.Message.Content, "Compare EV battery chemistries")
	assert.Contains(t, res.Message.Content, "about 15 minutes")
	assert.Equal(t, "run_42", res.Message.Metadata.String("run_id"))
	assert.Equal(t, "research_started", res.Message.Metadata.String("kind"))

	require.Len(t, p.specs, 1)
	spec := p.specs[0]
	assert.Equal(t, "core", spec.Processor)
	assert.True(t, spec.EnableEvents)
	assert.Equal(t, "https://hooks.example/api/parallel-webhook", spec.WebhookURL)
	assert.Contains(t, spec.Input, "Compare EV battery chemistries")
	assert.Contains(t, spec.Input, "- last 2 years")
	assert.NotEmpty(t, spec.OutputSchema)

	run, err := st.GetTaskRun(ctx, "run_42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, run.Status)
	assert.JSONEq(t, validBrief, run.Brief)

	var order []string
	for _, c := range changes.All() {
		if c.Op == models.OpInsert && c.Table != models.TableSessions {
			order = append(order, c.Table)
		}
	}
	assert.Equal(t, []string{models.TableTaskRuns, models.TableMessages}, order)
}

func TestDispatchWithoutEventsHasNoStreamURL(t *testing.T) {
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	d := NewDispatcher(st, newFakeProvider(), DispatcherConfig{Processor: "pro"}, nil)

	b := testBrief(t)
	b.TimeboxMinutes = 0
	res, err := d.Dispatch(context.Background(), sess.ID, b)
	require.NoError(t, err)
	assert.Empty(t, res.StreamURL)
	assert.Contains(t, res.Message.Content, "3-9 minutes")
}

func TestDispatchFailureCauses(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		cause parallel.Cause
		kind  core.ErrorKind
	}{
		{"network", &parallel.DispatchError{Cause: parallel.CauseNetwork, Err: errors.New("dial tcp")}, parallel.CauseNetwork, core.KindProvider},
		{"status", &parallel.DispatchError{Cause: parallel.CauseStatus, StatusCode: 500}, parallel.CauseStatus, core.KindProvider},
		{"missing run id", &parallel.DispatchError{Cause: parallel.CauseMissingRunID, StatusCode: 200}, parallel.CauseMissingRunID, core.KindProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := newStore(t)
			sess := seedSession(t, st, "u1")
			p := newFakeProvider()
			p.createErr = tc.err

			_, err := NewDispatcher(st, p, DispatcherConfig{}, nil).Dispatch(ctx, sess.ID, testBrief(t))
			require.Error(t, err)
			assert.Equal(t, tc.cause, parallel.CauseOf(err))
			assert.Equal(t, tc.kind, core.KindOf(err))

			msgs, err := st.ListMessages(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, models.RoleSystem, msgs[0].Role)
			assert.True(t, msgs[0].Metadata.Bool("error"))
			assert.True(t, msgs[0].Metadata.Bool("retryable"))
			assert.Equal(t, string(tc.cause), msgs[0].Metadata.String("cause"))

			runs, err := st.ListTaskRunsBySession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestDispatchPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	sess := seedSession(t, st, "u1")
	// an existing run with the same id makes CreateTaskRun fail
	seedRun(t, st, sess.ID, "run_42")

	_, err := NewDispatcher(st, newFakeProvider(), DispatcherConfig{}, nil).Dispatch(ctx, sess.ID, testBrief(t))
	require.Error(t, err)
	assert.Equal(t, parallel.CausePersistence, parallel.CauseOf(err))
	assert.Equal(t, core.KindPersistence, core.KindOf(err))

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persistence", msgs[0].Metadata.String("cause"))
}

func TestDispatchRejectsBadInput(t *testing.T) {
	st, _ := newStore(t)
	p := newFakeProvider()
	d := NewDispatcher(st, p, DispatcherConfig{}, nil)

	_, err := d.Dispatch(context.Background(), "missing", testBrief(t))
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	sess := seedSession(t, st, "u1")
	_, err = d.Dispatch(context.Background(), sess.ID, &models.Brief{})
	assert.ErrorIs(t, err, core.ErrInvalidBriefFormat)
	assert.Empty(t, p.specs, "no provider call without a valid brief")
}

func TestTaskInput(t *testing.T) {
	in := TaskInput(&models.Brief{
		Objective:         " What changed? ",
		DisallowedSources: []string{"reddit"},
	})
	assert.Equal(t, "What changed?\n\nAvoid sources:\n- reddit", in)
}
