package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/responder"
)

// NewAskCmd constructs the `kbchat ask` command, which sends one question
// to the model and streams the answer to stdout. Nothing is persisted.
func NewAskCmd() *cobra.Command {
	var kbID int64

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question, optionally grounded in a knowledge base",
		Long: `Ask the assistant a question from the terminal.

Without --knowledge-id the question goes straight to the chat model. With it,
the most relevant passages of that knowledge base are retrieved from Qdrant
and the model answers from them.

Examples:
  kbchat ask "what is retrieval-augmented generation?"
  kbchat ask --knowledge-id 3 "what is the refund policy?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			chatModel, _, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			cfg := &responder.Config{ChatModel: chatModel}
			req := responder.Request{Mode: responder.ModeGlobal, Query: strings.Join(args, " ")}

			if kbID > 0 {
				emb, err := buildEmbedding(log)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				defer emb.close()
				index, err := openQdrant(log, emb.dimension)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				defer closeIndex(log, index)

				if cfg.Retriever, err = rag.NewRetriever(emb.embedder, index, rag.DefaultTopK); err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				req.Mode, req.KnowledgeID = responder.ModeKnowledge, kbID
			}

			r, err := responder.New(cfg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			stream, err := r.Respond(ctx, req)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			for {
				chunk, err := stream.Next()
				if errors.Is(err, io.EOF) {
					_, _ = fmt.Fprintln(out)
					return nil
				}
				if err != nil {
					return fmt.Errorf("ask: response failed: %w", err)
				}
				if _, err := io.WriteString(out, chunk); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().Int64VarP(&kbID, "knowledge-id", "k", 0, "Knowledge base to answer from")

	return cmd
}
