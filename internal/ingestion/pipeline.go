// Package ingestion implements the document ingestion pipeline. For one
// uploaded file it extracts text, splits it into passages, embeds the
// passages in paced batches, and writes them to the knowledge base's vector
// collection in a single call. Retract and DropKnowledgeBase are the mirror
// operations.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/rag"
)

// Defaults for the embedding batch loop.
const (
	DefaultBatchSize     = 10
	DefaultBatchDelay    = 50 * time.Millisecond
	DefaultSnippetLength = 500
)

// Stage is a step of an ingestion run.
type Stage string

// Ingestion stages in order. Failed is reachable from any of them.
const (
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexing   Stage = "indexing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Extractor turns a stored file into raw text.
type Extractor interface {
	Extract(ctx context.Context, path, ext string) (string, error)
}

// Splitter divides raw text into passages.
type Splitter interface {
	Split(text string, markdown bool) []string
}

// Recorder observes finished ingestion runs. Implemented by the server's
// metrics.
type Recorder interface {
	ObserveIngestion(outcome string, chunks int, elapsed time.Duration)
}

// Request describes one file to ingest.
type Request struct {
	// KnowledgeID selects the target collection.
	KnowledgeID int64
	// FileID is stored on every passage and is the retraction key.
	FileID int64
	// Path is a readable local path to the file bytes.
	Path string
	// Extension is the declared file extension (with or without the dot).
	Extension string
	// Metadata is merged into every passage payload. Required payload keys
	// cannot be overridden.
	Metadata map[string]any
}

// Result summarises a successful ingestion.
type Result struct {
	// ChunkCount is the number of passages indexed.
	ChunkCount int `json:"chunksCount"`
	// ContentLength is the extracted text length in characters.
	ContentLength int `json:"contentLength"`
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// BatchSize is the number of passages per embedding request.
	// Defaults to 10 if zero.
	BatchSize int

	// BatchDelay is the minimum spacing between consecutive embedding
	// requests. Defaults to 50ms if zero; negative disables pacing.
	BatchDelay time.Duration

	// SnippetLength is how many leading characters of the whole document
	// are copied into each payload as provenance. Defaults to 500.
	SnippetLength int

	// Recorder is optional.
	Recorder Recorder
}

// Pipeline orchestrates the extract, chunk, embed, index flow for one file.
// It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	// extractor converts files into raw text.
	extractor Extractor

	// splitter divides text into passages.
	splitter Splitter

	// embedder converts passages into dense vector embeddings.
	embedder rag.Embedder

	// index persists the embedded passages.
	index rag.KnowledgeIndex

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(ext Extractor, splitter Splitter, embedder rag.Embedder, index rag.KnowledgeIndex, cfg *Config) (*Pipeline, error) {
	if ext == nil {
		return nil, fmt.Errorf("ingestion: extractor must not be nil")
	}
	if splitter == nil {
		return nil, fmt.Errorf("ingestion: splitter must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = DefaultSnippetLength
	}

	return &Pipeline{
		extractor: ext,
		splitter:  splitter,
		embedder:  embedder,
		index:     index,
		cfg:       cfg,
	}, nil
}

// Ingest runs the full pipeline for one file. Either every passage is
// upserted or none is: embedding completes for all batches before the single
// index write.
//
// Errors: UnsupportedFormat, FileNotFound and ExtractionFailed propagate from
// extraction; EmptyContent when there is no text or no passage;
// IngestionFailed for any embedding or indexing failure.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	log := logging.FromContext(ctx).With(
		slog.Int64("knowledge_id", req.KnowledgeID),
		slog.Int64("file_id", req.FileID),
	)
	stage := StageExtracting

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = apperr.KindOf(err).String()
			log.Error("ingestion: run failed",
				slog.String("stage", string(stage)),
				slog.Any("error", err),
			)
		} else {
			log.Info("ingestion: run done",
				slog.Int("chunks", res.ChunkCount),
				slog.Int("content_length", res.ContentLength),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
		if p.cfg.Recorder != nil {
			p.cfg.Recorder.ObserveIngestion(outcome, res.ChunkCount, time.Since(start))
		}
	}()

	log.Debug("ingestion: extracting", slog.String("path", req.Path), slog.String("extension", req.Extension))
	text, err := p.extractor.Extract(ctx, req.Path, req.Extension)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, apperr.New(apperr.KindEmptyContent, "no text could be extracted from the file")
	}

	stage = StageChunking
	markdown := extractor.Classify(req.Extension) == extractor.Markdown
	chunks := p.splitter.Split(text, markdown)
	if len(chunks) == 0 {
		return Result{}, apperr.New(apperr.KindEmptyContent, "the file produced no passages")
	}
	log.Debug("ingestion: chunked", slog.Int("chunks", len(chunks)), slog.Bool("markdown", markdown))

	stage = StageEmbedding
	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	stage = StageIndexing
	entries := p.buildEntries(req, text, chunks, vectors)
	if err := p.index.EnsureCollection(ctx, req.KnowledgeID); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIngestionFailed, err, "failed to prepare the vector collection")
	}
	if err := p.index.Upsert(ctx, req.KnowledgeID, entries); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIngestionFailed, err, "failed to write passages to the vector index")
	}

	stage = StageDone
	return Result{ChunkCount: len(chunks), ContentLength: len([]rune(text))}, nil
}

// embedAll embeds chunks in batches of cfg.BatchSize, spacing requests by
// cfg.BatchDelay. Any batch failure aborts the run.
func (p *Pipeline) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	limit := rate.Inf
	if p.cfg.BatchDelay > 0 {
		limit = rate.Every(p.cfg.BatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	batches := (len(chunks) + p.cfg.BatchSize - 1) / p.cfg.BatchSize
	vectors := make([][]float32, 0, len(chunks))
	for b := range batches {
		if err := limiter.Wait(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindIngestionFailed, err, "embedding cancelled")
		}
		lo := b * p.cfg.BatchSize
		hi := min(lo+p.cfg.BatchSize, len(chunks))

		vecs, err := p.embedder.EmbedBatch(ctx, chunks[lo:hi])
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIngestionFailed, err,
				fmt.Sprintf("embedding batch %d of %d failed", b+1, batches))
		}
		if len(vecs) != hi-lo {
			return nil, apperr.New(apperr.KindIngestionFailed,
				"embedding batch %d of %d returned %d vectors for %d passages", b+1, batches, len(vecs), hi-lo)
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

// buildEntries pairs passages with vectors under fresh random ids.
func (p *Pipeline) buildEntries(req Request, text string, chunks []string, vectors [][]float32) []rag.Entry {
	snippet := truncateRunes(text, p.cfg.SnippetLength)
	extra := mergeMetadata(InferMetadata(req.Path, req.Extension), req.Metadata)

	entries := make([]rag.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = rag.Entry{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: rag.Payload{
				FileID:          req.FileID,
				KnowledgeID:     req.KnowledgeID,
				Content:         chunk,
				ChunkIndex:      i,
				OriginalContent: snippet,
				Extra:           extra,
			},
		}
	}
	return entries
}

// Retract removes every passage of fileID from the knowledge base. It is
// idempotent: retracting a never-ingested file is not an error.
func (p *Pipeline) Retract(ctx context.Context, kbID, fileID int64) error {
	if err := p.index.DeleteByFile(ctx, kbID, fileID); err != nil {
		return fmt.Errorf("ingestion: retract file %d: %w", fileID, err)
	}
	logging.FromContext(ctx).Info("ingestion: retracted file",
		slog.Int64("knowledge_id", kbID),
		slog.Int64("file_id", fileID),
	)
	return nil
}

// DropKnowledgeBase irreversibly deletes the knowledge base's collection.
func (p *Pipeline) DropKnowledgeBase(ctx context.Context, kbID int64) error {
	if err := p.index.DeleteCollection(ctx, kbID); err != nil {
		return fmt.Errorf("ingestion: drop knowledge base %d: %w", kbID, err)
	}
	logging.FromContext(ctx).Info("ingestion: dropped collection",
		slog.Int64("knowledge_id", kbID),
		slog.String("collection", rag.CollectionName(kbID)),
	)
	return nil
}

// truncateRunes returns the first n characters of s.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
