package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	middleware "github.com/markdave123-py/Sleuth/internal/api/middlewares"
)

var (
	tokenSecret string
	tokenUser   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 access token",
	Long: `Mint an access token signed with the server's JWT_SECRET.

Intended for local development; production tokens come from the identity
provider that shares the secret.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "Signing secret (or set JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "dev-user", "User id placed in the sub claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenSecret == "" {
		return errors.New("no signing secret: pass --secret or set JWT_SECRET")
	}
	tok, err := middleware.IssueToken(tokenSecret, tokenUser, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return err
}
