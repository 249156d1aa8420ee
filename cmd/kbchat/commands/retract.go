package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// NewRetractCmd constructs the `kbchat retract` command, which removes a
// file's passages (or a whole knowledge base collection) from Qdrant
// without touching the database.
func NewRetractCmd() *cobra.Command {
	var (
		kbID   int64
		fileID int64
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "retract",
		Short: "Remove indexed passages from the vector store",
		Long: `Remove passages from Qdrant.

Use it to clean up after a failed delete, or before re-ingesting a file
from the command line. Database records and stored bytes are left alone.

Examples:
  kbchat retract --knowledge-id 3 --file-id 17
  kbchat retract --knowledge-id 3 --all`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if kbID <= 0 {
				return fmt.Errorf("retract: --knowledge-id is required")
			}
			if all == (fileID > 0) {
				return fmt.Errorf("retract: give exactly one of --file-id or --all")
			}

			emb, err := buildEmbedding(log)
			if err != nil {
				return fmt.Errorf("retract: %w", err)
			}
			defer emb.close()
			index, err := openQdrant(log, emb.dimension)
			if err != nil {
				return fmt.Errorf("retract: %w", err)
			}
			defer closeIndex(log, index)

			pipeline, err := buildPipeline(log, emb.embedder, index, nil)
			if err != nil {
				return fmt.Errorf("retract: %w", err)
			}

			if all {
				if err := pipeline.DropKnowledgeBase(ctx, kbID); err != nil {
					return fmt.Errorf("retract: %w", err)
				}
				log.Info("retract: collection dropped", slog.Int64("knowledge_id", kbID))
				return nil
			}
			if err := pipeline.Retract(ctx, kbID, fileID); err != nil {
				return fmt.Errorf("retract: %w", err)
			}
			log.Info("retract: passages removed", slog.Int64("knowledge_id", kbID), slog.Int64("file_id", fileID))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&kbID, "knowledge-id", "k", 0, "Knowledge base")
	cmd.Flags().Int64VarP(&fileID, "file-id", "f", 0, "File whose passages to remove")
	cmd.Flags().BoolVar(&all, "all", false, "Drop the whole knowledge base collection")

	return cmd
}
