package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/models"
	"github.com/markdave123-py/Sleuth/internal/services"
)

var (
	askSession string
	askTitle   string
	askWait    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [message...]",
	Short: "Send a message to a research session",
	Long: `Send a message and print what the assistant added to the session.

Short questions are answered by the chat model. Research requests are planned
into a brief and dispatched; with --wait (the default) the command follows the
run and prints the result when it arrives.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Session id (a new session is created when empty)")
	askCmd.Flags().StringVar(&askTitle, "title", "", "Title for a new session")
	askCmd.Flags().BoolVar(&askWait, "wait", true, "Follow a dispatched research run until it finishes")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	client := newAPIClient(serverURL, token, nil)
	text := strings.Join(args, " ")

	sessionID := askSession
	if sessionID == "" {
		sess, err := client.createSession(ctx, askTitle)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
		fmt.Fprintf(out, "session %s\n", sessionID)
	}

	res, err := client.send(ctx, sessionID, text)
	if err != nil {
		// the failure is recorded in the session; show it
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			printSystemTail(ctx, out, client, sessionID)
		}
		return err
	}
	logger.Debug("message sent", zap.String("session_id", sessionID), zap.String("route", res.Route))

	printSend(out, res)
	if res.Route != services.RouteResearch || res.Dispatch == nil || !askWait {
		return nil
	}
	return followRun(ctx, out, client, sessionID, res.Dispatch.RunID)
}

func printSend(out io.Writer, res *services.SendResult) {
	for _, m := range res.Messages[min(1, len(res.Messages)):] {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}
}

func printSystemTail(ctx context.Context, out io.Writer, client *apiClient, sessionID string) {
	msgs, err := client.messages(ctx, sessionID)
	if err != nil || len(msgs) == 0 {
		return
	}
	if last := msgs[len(msgs)-1]; last.Role == models.RoleSystem {
		fmt.Fprintf(out, "system: %s\n", last.Content)
	}
}
