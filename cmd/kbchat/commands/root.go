// Package commands defines all Cobra CLI commands for the kbchat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/audit"
	"github.com/54b3r/kbchat-go/internal/config"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbchat",
		Short: "kbchat: chat with your knowledge bases",
		Long: `kbchat is a retrieval-augmented conversational assistant.

Users create knowledge bases, upload documents (text, Markdown, Word, PDF,
images) and chat with an LLM that answers from the indexed content. Replies
stream over Server-Sent Events or WebSocket.

Configuration comes from environment variables, a .env file and an optional
YAML file (~/.kbchat/config.yaml). Environment variables always win.
See 'kbchat --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// The first logger only reports config loading; commands build
			// their own once LOG_LEVEL and LOG_FORMAT are settled.
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}
			audit.LogCommandStart(cmd.Context(), logging.New(), cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbchat/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewRetractCmd(),
		NewTokenCmd(),
		NewVersionCmd(),
	)

	return root
}
