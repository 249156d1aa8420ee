package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/auth"
)

// NewTokenCmd constructs the `kbchat token` command, which mints a bearer
// token for a user id with JWT_SECRET. Intended for development and for
// service accounts.
func NewTokenCmd() *cobra.Command {
	var (
		userID int64
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		Long: `Mint an HS256 bearer token carrying the given user id.

The token is signed with JWT_SECRET and printed to stdout.

Examples:
  kbchat token --user-id 1
  curl -H "Authorization: Bearer $(kbchat token -u 1)" localhost:8080/api/knowledge/personal`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return fmt.Errorf("token: --user-id must be positive")
			}
			secret := getEnvOrDefault("JWT_SECRET", "")
			if secret == "" {
				return fmt.Errorf("token: JWT_SECRET is not set")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = getEnvDuration("JWT_TTL", auth.DefaultTTL)
			}
			svc, err := auth.NewService(secret, getEnvOrDefault("JWT_ISSUER", "kbchat"), ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			tok, err := svc.Issue(userID)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().Int64VarP(&userID, "user-id", "u", 0, "User id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")

	return cmd
}
