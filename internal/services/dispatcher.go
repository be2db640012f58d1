package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// processorEstimates are rough run times per processor tier.
var processorEstimates = map[string]string{
	"lite":  "under a minute",
	"base":  "1-2 minutes",
	"core":  "2-5 minutes",
	"pro":   "3-9 minutes",
	"ultra": "5-25 minutes",
}

type DispatcherConfig struct {
	Processor    string
	EnableEvents bool
	WebhookURL   string
}

type Dispatcher struct {
	provider   core.ResearchProvider
	transcript transcript
	cfg        DispatcherConfig
}

func NewDispatcher(store core.Store, provider core.ResearchProvider, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Processor == "" {
		cfg.Processor = "core"
	}
	return &Dispatcher{provider: provider, transcript: newTranscript(store, logger), cfg: cfg}
}

// DispatchResult is what the client needs to follow a new run.
type DispatchResult struct {
	RunID     string            `json:"run_id"`
	StreamURL string            `json:"stream_url,omitempty"`
	Status    models.TaskStatus `json:"status"`
	Message   *models.Message   `json:"message"`
}

// Dispatch submits brief as a task run. The run row is written before the
// "research started" message so a fast webhook can always resolve it.
// Every failure leaves one retryable system message in the session.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, brief *models.Brief) (*DispatchResult, error) {
	const op = "services.Dispatch"
	log := d.transcript.logger.With(zap.String("session_id", sessionID))

	if brief == nil || strings.TrimSpace(brief.Objective) == "" {
		return nil, core.E(core.KindValidation, op, fmt.Errorf("%w: objective is empty", core.ErrInvalidBriefFormat))
	}
	if _, err := d.transcript.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.E(core.KindNotFound, op, err)
		}
		return nil, core.E(core.KindPersistence, op, err)
	}

	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return nil, core.E(core.KindValidation, op, fmt.Errorf("%w: %v", core.ErrInvalidBriefFormat, err))
	}

	handle, err := d.provider.CreateTask(ctx, core.TaskSpec{
		Input:        TaskInput(brief),
		Processor:    d.cfg.Processor,
		EnableEvents: d.cfg.EnableEvents,
		WebhookURL:   d.cfg.WebhookURL,
		OutputSchema: parallel.OutputSchema,
	})
	if err != nil {
		return nil, d.fail(ctx, log, sessionID, "", err)
	}
	log = log.With(zap.String("run_id", handle.RunID))

	now := d.transcript.now()
	run := &models.TaskRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RunID:     handle.RunID,
		Status:    models.TaskQueued,
		Brief:     string(briefJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.transcript.store.CreateTaskRun(ctx, run); err != nil {
		return nil, d.fail(ctx, log, sessionID, handle.RunID, &parallel.DispatchError{Cause: parallel.CausePersistence, Err: err})
	}

	msg, err := d.transcript.append(ctx, sessionID, models.RoleResearch, d.startedText(brief, handle.RunID), models.Metadata{
		"run_id": handle.RunID,
		"status": string(models.TaskQueued),
		"kind":   "research_started",
	})
	if err != nil {
		return nil, d.fail(ctx, log, sessionID, handle.RunID, &parallel.DispatchError{Cause: parallel.CausePersistence, Err: err})
	}

	log.Info("research dispatched", zap.String("processor", d.cfg.Processor))

	res := &DispatchResult{RunID: handle.RunID, Status: models.TaskQueued, Message: msg}
	if d.cfg.EnableEvents {
		res.StreamURL = "/api/research-stream/" + handle.RunID
	}
	return res, nil
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, sessionID, runID string, err error) error {
	cause := parallel.CauseOf(err)
	if cause == "" {
		cause = parallel.CauseNetwork
		if k := core.KindOf(err); k == core.KindConfiguration {
			cause = "configuration"
		}
	}
	log.Error("research dispatch failed", zap.String("cause", string(cause)), zap.Error(err))

	meta := models.Metadata{"retryable": true, "cause": string(cause)}
	if runID != "" {
		meta["run_id"] = runID
	}
	d.transcript.systemError(ctx, sessionID, "Research could not be started. Please try again.", meta)

	switch {
	case cause == parallel.CausePersistence:
		return core.E(core.KindPersistence, "services.Dispatch", err)
	case core.KindOf(err) != core.KindInternal:
		return err
	default:
		return core.E(core.KindProvider, "services.Dispatch", err)
	}
}

func (d *Dispatcher) startedText(b *models.Brief, runID string) string {
	estimate := processorEstimates[d.cfg.Processor]
	if b.TimeboxMinutes > 0 {
		estimate = fmt.Sprintf("about %d minutes", b.TimeboxMinutes)
	}
	if estimate == "" {
		estimate = "a few minutes"
	}

	var sb strings.Builder
	sb.WriteString("Research started\n\n")
	sb.WriteString("Objective: " + b.Objective + "\n")
	sb.WriteString("Estimated duration: " + estimate + "\n\n")
	sb.WriteString("Task ID: " + runID)
	return sb.String()
}

// TaskInput renders a brief as the provider's free-text task input.
func TaskInput(b *models.Brief) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Objective))

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n\n" + title + ":")
		for _, it := range items {
			sb.WriteString("\n- " + it)
		}
	}
	section("Constraints", b.Constraints)
	section("Preferred sources", b.TargetSources)
	section("Avoid sources", b.DisallowedSources)
	section("The answer should include", b.ExpectedOutputFields)
	return sb.String()
}
