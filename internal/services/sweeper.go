package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/core/parallel"
	"github.com/markdave123-py/Sleuth/internal/models"
)

const sweepBatch = 100

// SweeperConfig tunes the stale run sweep.
//
// Interval:    time between sweeps.
// PollAfter:   a run untouched this long is polled at the provider.
// ExpireAfter: a run older than this with no terminal status is expired.
// Workers:     concurrent provider polls.
type SweeperConfig struct {
	Interval    time.Duration
	PollAfter   time.Duration
	ExpireAfter time.Duration
	Workers     int
}

// Sweeper resolves runs whose completion signal never arrived: it polls the
// provider for their status and expires runs that stay open too long.
type Sweeper struct {
	store    core.TaskRunStore
	provider core.ResearchProvider
	observer Observer
	cfg      SweeperConfig
	logger   *zap.Logger
	now      func() time.Time

	jobs     chan models.TaskRun
	mu       sync.Mutex
	inflight map[string]bool
}

func NewSweeper(store core.TaskRunStore, provider core.ResearchProvider, observer Observer, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		provider: provider,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(chan models.TaskRun, sweepBatch),
		inflight: make(map[string]bool),
	}
}

// Start runs the workers and the sweep ticker until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	for range s.cfg.Workers {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case run := <-s.jobs:
					s.processOne(ctx, run)
					s.done(run.RunID)
				}
			}
		}()
	}

	go func() {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("sweeper shutting down")
				return
			case <-t.C:
				runs, err := s.stale(ctx)
				if err != nil {
					s.logger.Warn("list stale task runs failed", zap.Error(err))
					continue
				}
				for _, run := range runs {
					s.enqueue(run)
				}
			}
		}
	}()
}

// enqueue schedules run unless it is already queued or the queue is full.
func (s *Sweeper) enqueue(run models.TaskRun) {
	s.mu.Lock()
	if s.inflight[run.RunID] {
		s.mu.Unlock()
		return
	}
	s.inflight[run.RunID] = true
	s.mu.Unlock()

	select {
	case s.jobs <- run:
	default:
		s.done(run.RunID)
	}
}

func (s *Sweeper) done(runID string) {
	s.mu.Lock()
	delete(s.inflight, runID)
	s.mu.Unlock()
}

// SweepOnce processes every stale run now and reports how many it looked at.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	runs, err := s.stale(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, run := range runs {
		g.Go(func() error {
			s.processOne(gctx, run)
			return nil
		})
	}
	return len(runs), g.Wait()
}

func (s *Sweeper) stale(ctx context.Context) ([]models.TaskRun, error) {
	return s.store.ListStaleTaskRuns(ctx, s.now().Add(-s.cfg.PollAfter), sweepBatch)
}

func (s *Sweeper) processOne(ctx context.Context, run models.TaskRun) {
	log := s.logger.With(zap.String("run_id", run.RunID))
	expired := s.cfg.ExpireAfter > 0 && s.now().Sub(run.CreatedAt) > s.cfg.ExpireAfter

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	raw, err := s.provider.GetRunStatus(pollCtx, run.RunID)
	cancel()

	if err == nil {
		status, ok := parallel.NormalizeStatus(raw)
		switch {
		case !ok:
			log.Warn("provider reported unknown status", zap.String("status", raw))
		case status.Terminal() || !expired:
			if _, err := s.observer.Observe(ctx, Signal{RunID: run.RunID, Status: status, Source: SourcePoll}); err != nil {
				log.Warn("observe polled status failed", zap.Error(err))
			}
			return
		}
	} else {
		log.Warn("poll task run failed", zap.Error(err))
	}

	if !expired {
		return
	}
	log.Info("expiring task run", zap.Time("created_at", run.CreatedAt))
	if _, err := s.observer.Observe(ctx, Signal{RunID: run.RunID, Status: models.TaskExpired, Source: SourceSweep}); err != nil {
		log.Warn("expire task run failed", zap.Error(err))
	}
}
