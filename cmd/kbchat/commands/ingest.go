package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/knowledge"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/rag"
)

// sourceCLI tags passages ingested from the command line.
const sourceCLI = "cli"

// NewIngestCmd constructs the `kbchat ingest` command, which uploads local
// files into a knowledge base exactly as the HTTP upload does.
func NewIngestCmd() *cobra.Command {
	var (
		kbID   int64
		userID int64
		meta   []string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest local documents into a knowledge base",
		Long: `Store, record and index local files into a knowledge base.

Each file is copied into the uploads directory, recorded in the database and
run through the extract, chunk, embed and index pipeline. A file whose
indexing fails keeps its record with status "failed" and can be retried with
POST /api/files/{id}/reindex.

--dry-run runs extraction, chunking and embedding against an in-memory index
and touches neither the database nor Qdrant.

Examples:
  kbchat ingest --knowledge-id 3 --user-id 1 handbook.pdf faq.md
  kbchat ingest -k 3 -u 1 --meta team=support notes.docx
  kbchat ingest -k 3 --dry-run scan.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if kbID <= 0 {
				return fmt.Errorf("ingest: --knowledge-id is required")
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata[ingestion.MetaSource] = sourceCLI

			emb, err := buildEmbedding(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer emb.close()

			if dryRun {
				index := rag.NewMemoryIndex(emb.dimension)
				pipeline, err := buildPipeline(log, emb.embedder, index, nil)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				for i, path := range args {
					res, err := pipeline.Ingest(ctx, ingestion.Request{
						KnowledgeID: kbID,
						FileID:      int64(i + 1),
						Path:        path,
						Extension:   filepath.Ext(path),
						Metadata:    metadata,
					})
					if err != nil {
						return fmt.Errorf("ingest: %s: %w", path, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d passages, %d characters (dry run)\n", path, res.ChunkCount, res.ContentLength)
				}
				return nil
			}

			if userID <= 0 {
				return fmt.Errorf("ingest: --user-id is required")
			}

			db, err := openStore(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = db.Close() }()

			files, err := openFiles()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			index, err := openQdrant(log, emb.dimension)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer closeIndex(log, index)

			pipeline, err := buildPipeline(log, emb.embedder, index, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			kb, err := knowledge.NewService(&knowledge.Config{Store: db, Files: files, Indexer: pipeline})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			failed := 0
			for _, path := range args {
				if err := ingestOne(cmd, kb, userID, kbID, path, metadata); err != nil {
					log.Error("ingest: file failed", slog.String("path", path), slog.Any("error", err))
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("ingest: %d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&kbID, "knowledge-id", "k", 0, "Target knowledge base")
	cmd.Flags().Int64VarP(&userID, "user-id", "u", 0, "User the upload is attributed to (must have access)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Extra passage metadata as key=value (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Index into memory only; report passage counts")

	return cmd
}

// ingestOne uploads a single local file through the knowledge service.
func ingestOne(cmd *cobra.Command, kb *knowledge.Service, userID, kbID int64, path string, metadata map[string]any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := kb.Upload(cmd.Context(), userID, knowledge.UploadInput{
		KnowledgeID: kbID,
		FileName:    filepath.Base(path),
		Body:        f,
		Metadata:    metadata,
	})
	if err != nil {
		if res.File.ID != 0 {
			return fmt.Errorf("file %d recorded as %s: %w", res.File.ID, res.File.Status, err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: file %d, %d passages\n", path, res.File.ID, res.Ingest.ChunkCount)
	return nil
}
