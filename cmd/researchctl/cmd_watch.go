package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/progress"
)

var watchSession string

const (
	outcomePolls        = 20
	outcomePollInterval = 250 * time.Millisecond
)

var watchCmd = &cobra.Command{
	Use:   "watch <run_id>",
	Short: "Follow a research run until it finishes",
	Long: `Follow a research run over the event relay and the change feed at once,
printing status and estimated progress, then print the outcome message.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchSession, "session", "s", "", "Session id of the run (looked up when empty)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := newAPIClient(serverURL, token, nil)
	runID := args[0]
	sessionID := watchSession
	if sessionID == "" {
		run, err := client.taskRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("look up run: %w", err)
		}
		sessionID = run.SessionID
	}
	return followRun(ctx, cmd.OutOrStdout(), client, sessionID, runID)
}

// progressPrinter writes one line per status change and per tenth of
// synthetic progress.
type progressPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	last   progress.State
	lastPc int
}

func (p *progressPrinter) print(s progress.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Phase == progress.PhaseIdle {
		return
	}
	if s.Status == p.last.Status && s.Phase == p.last.Phase && s.Percent/10 == p.lastPc/10 {
		return
	}
	p.last, p.lastPc = s, s.Percent
	fmt.Fprintf(p.out, "[%s] %-9s %3d%%\n", s.RunID, s.Status, s.Percent)
}

// followRun tracks runID to a terminal status and prints its outcome message.
func followRun(ctx context.Context, out io.Writer, client *apiClient, sessionID, runID string) error {
	printer := &progressPrinter{out: out, lastPc: -10}
	tracker := progress.NewTracker(progress.Config{
		BaseURL:  client.base,
		Token:    client.token,
		OnUpdate: printer.print,
		Logger:   logger,
	})
	if err := tracker.Start(ctx, sessionID, runID); err != nil {
		return err
	}
	<-tracker.Done()

	st := tracker.State()
	if st.Phase != progress.PhaseDone {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped following %s: %w", runID, err)
		}
		return fmt.Errorf("stopped following %s", runID)
	}

	m, err := waitOutcome(ctx, client, sessionID, runID)
	if err != nil {
		return err
	}
	if m != nil {
		fmt.Fprintf(out, "\n%s\n", m.Content)
	}
	if st.Status != models.TaskCompleted {
		return fmt.Errorf("run %s ended %s", runID, st.Status)
	}
	return nil
}

// waitOutcome polls the transcript briefly: the status change can reach the
// feed before the reconciler has written the outcome message.
func waitOutcome(ctx context.Context, client *apiClient, sessionID, runID string) (*models.Message, error) {
	tick := time.NewTicker(outcomePollInterval)
	defer tick.Stop()
	for attempt := 0; ; attempt++ {
		msgs, err := client.messages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if m := outcomeMessage(msgs, runID); m != nil || attempt == outcomePolls {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

func outcomeMessage(msgs []models.Message, runID string) *models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Metadata.String("run_id") != runID {
			continue
		}
		if m.Role == models.RoleSystem || m.Metadata.Bool("is_final_result") {
			return &msgs[i]
		}
	}
	return nil
}
