package services

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const relayBufferSize = 32 << 10

// Observer receives status signals seen on a transport.
type Observer interface {
	Observe(ctx context.Context, sig Signal) (*Outcome, error)
}

// Relay proxies the provider's event stream for a run to a client.
type Relay struct {
	store    core.TaskRunStore
	provider core.ResearchProvider
	observer Observer
	logger   *zap.Logger
}

func NewRelay(store core.TaskRunStore, provider core.ResearchProvider, observer Observer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{store: store, provider: provider, observer: observer, logger: logger}
}

// Stream copies the upstream event stream to w unchanged, flushing after
// every read. Frames are inspected on the side: event ids advance the stored
// cursor and task_run.state frames are fed to the observer.
//
// An error is returned only when nothing has been written yet. Once the
// stream is open, upstream failures end it with an error frame.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, runID, lastEventID string) error {
	const op = "services.Stream"
	run, err := r.store.GetTaskRun(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.E(core.KindNotFound, op, err)
		}
		return core.E(core.KindPersistence, op, err)
	}
	if lastEventID == "" {
		lastEventID = run.LastEventID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return core.E(core.KindInternal, op, errors.New("response writer cannot flush"))
	}

	log := r.logger.With(zap.String("run_id", runID))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	body, _, err := r.provider.OpenEvents(ctx, runID, lastEventID)
	if err != nil {
		log.Warn("open upstream events failed", zap.Error(err))
		r.writeError(w, flusher, "upstream event stream unavailable")
		return nil
	}
	defer body.Close()

	// side effects outlive the client connection
	bg := context.WithoutCancel(ctx)

	pr, pw := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		err := parallel.ReadFrames(pr, func(f parallel.Frame) { r.inspect(bg, &g, log, run, f) })
		if err != nil {
			log.Warn("event frame parse failed", zap.Error(err))
			_, _ = io.Copy(io.Discard, pr)
		}
		return nil
	})

	copyErr := r.copy(w, flusher, body, pw)
	_ = pw.Close()
	_ = g.Wait()

	switch {
	case copyErr == nil:
		log.Debug("upstream event stream ended")
	case ctx.Err() != nil:
		log.Debug("client went away", zap.Error(ctx.Err()))
	case errors.Is(copyErr, errClientWrite):
		log.Debug("client write failed", zap.Error(copyErr))
	default:
		log.Warn("upstream event stream failed", zap.Error(copyErr))
		r.writeError(w, flusher, "upstream event stream interrupted")
	}
	return nil
}

var errClientWrite = errors.New("client write")

func (r *Relay) copy(w io.Writer, flusher http.Flusher, src io.Reader, side io.Writer) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.Join(errClientWrite, werr)
			}
			flusher.Flush()
			_, _ = side.Write(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Relay) inspect(ctx context.Context, g *errgroup.Group, log *zap.Logger, run *models.TaskRun, f parallel.Frame) {
	if f.ID != "" {
		if err := r.store.UpdateTaskRunCursor(ctx, run.RunID, f.ID); err != nil {
			log.Warn("store event cursor failed", zap.String("event_id", f.ID), zap.Error(err))
		}
	}

	runID, status, ok := parallel.StateOf(f)
	if !ok {
		return
	}
	if runID == "" {
		runID = run.RunID
	}
	sig := Signal{RunID: runID, Status: status, Source: SourceStream}
	if !status.Terminal() {
		if _, err := r.observer.Observe(ctx, sig); err != nil {
			log.Warn("observe stream status failed", zap.Error(err))
		}
		return
	}
	// reconciliation fetches the result; keep it off the copy path
	g.Go(func() error {
		if _, err := r.observer.Observe(ctx, sig); err != nil {
			log.Warn("observe stream status failed", zap.String("status", string(status)), zap.Error(err))
		}
		return nil
	})
}

func (r *Relay) writeError(w io.Writer, flusher http.Flusher, message string) {
	_, _ = w.Write(parallel.ErrorFrame(message))
	flusher.Flush()
}
