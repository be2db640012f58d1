package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

// Source names the transport a status signal arrived on.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceStream  Source = "stream"
	SourcePoll    Source = "poll"
	SourceSweep   Source = "sweep"
)

// Signal is one observation of a run's status.
type Signal struct {
	RunID  string
	Status models.TaskStatus
	Source Source
}

// Outcome reports what a signal did. Status is the stored status after the
// signal was applied.
type Outcome struct {
	RunID      string            `json:"run_id"`
	Status     models.TaskStatus `json:"status"`
	Reconciled bool              `json:"reconciled"`
	Duplicate  bool              `json:"duplicate"`
	Message    *models.Message   `json:"message,omitempty"`
}

// Archiver keeps a copy of raw results outside the database.
type Archiver interface {
	Archive(ctx context.Context, sessionID, runID string, raw []byte) (string, error)
}

type Reconciler struct {
	provider   core.ResearchProvider
	transcript transcript
	secret     string
	archive    Archiver
	warnOnce   sync.Once
}

func NewReconciler(store core.Store, provider core.ResearchProvider, webhookSecret string, logger *zap.Logger) *Reconciler {
	return &Reconciler{provider: provider, transcript: newTranscript(store, logger), secret: webhookSecret}
}

// WithArchive enables copying completed results to object storage.
func (r *Reconciler) WithArchive(a Archiver) *Reconciler {
	r.archive = a
	return r
}

// WarnIfUnsigned logs once that webhook signatures are not checked.
func (r *Reconciler) WarnIfUnsigned() {
	if r.secret != "" {
		return
	}
	r.warnOnce.Do(func() {
		r.transcript.logger.Warn("PARALLEL_WEBHOOK_SECRET not set, webhook signatures will not be verified")
	})
}

// HandleWebhook verifies and applies one provider status callback. Nothing
// is read or written before the signature and payload check out.
func (r *Reconciler) HandleWebhook(ctx context.Context, h http.Header, body []byte) (*Outcome, error) {
	if r.secret != "" {
		if err := parallel.VerifySignature(r.secret, h, body); err != nil {
			return nil, err
		}
	}

	ev, err := parallel.ParseWebhook(body)
	if err != nil {
		return nil, err
	}
	return r.Observe(ctx, Signal{RunID: ev.RunID, Status: ev.Status, Source: SourceWebhook})
}

// Observe applies a status signal from any transport. The first caller to
// see a terminal status claims the run and writes the outcome message; later
// callers get a Duplicate outcome.
func (r *Reconciler) Observe(ctx context.Context, sig Signal) (*Outcome, error) {
	const op = "services.Observe"
	log := r.transcript.logger.With(zap.String("run_id", sig.RunID), zap.String("source", string(sig.Source)))

	run, err := r.transcript.store.GetTaskRun(ctx, sig.RunID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.E(core.KindNotFound, op, fmt.Errorf("task run %s: %w", sig.RunID, err))
		}
		return nil, core.E(core.KindPersistence, op, err)
	}

	changed, err := r.transcript.store.UpdateTaskRunStatus(ctx, sig.RunID, sig.Status)
	if err != nil {
		return nil, core.E(core.KindPersistence, op, err)
	}

	// another signal may have landed a different terminal status between the
	// read above and the update; the persisted status is the one to report
	stored, err := r.transcript.store.GetTaskRun(ctx, sig.RunID)
	if err != nil {
		return nil, core.E(core.KindPersistence, op, err)
	}
	status := stored.Status
	out := &Outcome{RunID: sig.RunID, Status: status}
	if changed {
		log.Info("task run status changed", zap.String("from", string(run.Status)), zap.String("to", string(sig.Status)))
	}
	if status != sig.Status {
		log.Debug("signal superseded by stored status", zap.String("signal", string(sig.Status)), zap.String("stored", string(status)))
	}
	if !status.Terminal() {
		return out, nil
	}

	claimed, err := r.transcript.store.ClaimReconciliation(ctx, sig.RunID, r.transcript.now())
	if err != nil {
		return nil, core.E(core.KindPersistence, op, err)
	}
	if !claimed {
		log.Debug("task run already reconciled")
		out.Duplicate = true
		return out, nil
	}

	msg, err := r.emit(ctx, log, stored, status)
	if err != nil {
		if rerr := r.transcript.store.ReleaseReconciliation(context.WithoutCancel(ctx), sig.RunID); rerr != nil {
			log.Error("release reconciliation claim failed", zap.Error(rerr))
		}
		return nil, err
	}

	log.Info("task run reconciled", zap.String("status", string(status)))
	out.Reconciled = true
	out.Message = msg
	return out, nil
}

func (r *Reconciler) emit(ctx context.Context, log *zap.Logger, run *models.TaskRun, status models.TaskStatus) (*models.Message, error) {
	if status != models.TaskCompleted {
		return r.transcript.append(ctx, run.SessionID, models.RoleSystem, terminalText(run.RunID, status), models.Metadata{
			"run_id": run.RunID,
			"status": string(status),
			"error":  true,
		})
	}

	raw, err := r.provider.GetResult(ctx, run.RunID)
	if err != nil {
		log.Warn("result fetch failed", zap.Error(err))
		return r.resultUnavailable(ctx, run, "could not be retrieved")
	}

	if err := r.transcript.store.SaveTaskRunResult(ctx, run.RunID, raw, r.transcript.now()); err != nil {
		return nil, core.E(core.KindPersistence, "services.Observe", err)
	}

	res, err := parallel.DecodeResult(run.RunID, raw)
	if err != nil {
		log.Warn("result decode failed", zap.Error(err))
		return r.resultUnavailable(ctx, run, "could not be read")
	}

	meta := models.Metadata{
		"run_id":          run.RunID,
		"status":          string(models.TaskCompleted),
		"kind":            "research_result",
		"is_final_result": true,
	}
	if r.archive != nil {
		if url, err := r.archive.Archive(ctx, run.SessionID, run.RunID, raw); err != nil {
			log.Warn("result archive failed", zap.Error(err))
		} else {
			meta["archive_url"] = url
		}
	}
	return r.transcript.append(ctx, run.SessionID, models.RoleResearch, FormatResult(res), meta)
}

func (r *Reconciler) resultUnavailable(ctx context.Context, run *models.TaskRun, what string) (*models.Message, error) {
	return r.transcript.append(ctx, run.SessionID, models.RoleSystem,
		fmt.Sprintf("Research run %s completed, but its result %s.", run.RunID, what),
		models.Metadata{
			"run_id":    run.RunID,
			"status":    string(models.TaskCompleted),
			"error":     true,
			"retryable": false,
		})
}

func terminalText(runID string, status models.TaskStatus) string {
	switch status {
	case models.TaskCanceled:
		return fmt.Sprintf("Research run %s was canceled.", runID)
	case models.TaskExpired:
		return fmt.Sprintf("Research run %s expired without reporting a result.", runID)
	default:
		return fmt.Sprintf("Research run %s %s.", runID, status)
	}
}

// FormatResult renders a result as the research outcome message.
func FormatResult(res *models.ResearchResult) string {
	var sb strings.Builder
	sb.WriteString("Research complete\n\n")
	sb.WriteString(strings.TrimSpace(res.Summary))

	if len(res.KeyFacts) > 0 {
		sb.WriteString("\n\nKey facts:")
		for i, f := range res.KeyFacts {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, f)
		}
	}
	if len(res.Sources) > 0 {
		sb.WriteString("\n\nSources:")
		for i, s := range res.Sources {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, s.Label())
		}
	}

	sb.WriteString("\n\nTask ID: " + res.RunID)
	return sb.String()
}
