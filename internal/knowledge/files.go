package knowledge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/filestore"
	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/store"
)

// SourceUpload tags passages that arrived through an HTTP upload.
const SourceUpload = "upload"

// UploadInput is one file upload.
type UploadInput struct {
	KnowledgeID int64
	// FileName is the display name; its extension selects the extractor.
	FileName string
	// Body is the file content.
	Body io.Reader
	// Metadata is merged into every passage payload.
	Metadata map[string]any
}

// UploadResult is the created record and its ingestion summary.
type UploadResult struct {
	File   store.File       `json:"file"`
	Ingest ingestion.Result `json:"ingest"`
}

// Upload stores the bytes, records the file and ingests it. If recording
// fails the bytes are removed. If ingestion fails the record is kept with
// status failed (and the bytes stay on disk) so Reindex can retry; the
// ingestion error is returned alongside the record.
func (s *Service) Upload(ctx context.Context, userID int64, in UploadInput) (UploadResult, error) {
	if _, err := s.CheckAccess(ctx, in.KnowledgeID, userID); err != nil {
		return UploadResult{}, err
	}
	name := strings.TrimSpace(in.FileName)
	if name == "" {
		return UploadResult{}, apperr.New(apperr.KindInvalidArgument, "file_name is required")
	}
	ext := filepath.Ext(name)
	if extractor.Classify(ext) == extractor.Unsupported {
		return UploadResult{}, apperr.New(apperr.KindUnsupportedFormat, "unsupported file format %q", extractor.NormalizeExt(ext))
	}

	stored, err := s.files.Save(in.KnowledgeID, name, in.Body, s.maxUploadBytes)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			return UploadResult{}, apperr.Wrap(apperr.KindInvalidArgument, err, "file exceeds the upload size limit")
		}
		return UploadResult{}, err
	}

	rec, err := s.store.CreateFile(ctx, store.File{
		KnowledgeID: in.KnowledgeID,
		Name:        name,
		FileType:    strings.ToUpper(strings.TrimPrefix(ext, ".")),
		FileURL:     stored.URL,
		StoragePath: stored.Path,
		Size:        stored.Size,
	})
	if err != nil {
		if rmErr := s.files.Remove(stored.Path); rmErr != nil {
			logging.FromContext(ctx).Warn("knowledge: could not remove orphaned upload",
				slog.String("path", stored.Path),
				slog.Any("error", rmErr),
			)
		}
		return UploadResult{}, err
	}

	res, err := s.index(ctx, &rec, in.Metadata)
	return UploadResult{File: rec, Ingest: res}, err
}

// Reindex retracts and re-ingests an existing file from its stored bytes.
func (s *Service) Reindex(ctx context.Context, userID, fileID int64) (UploadResult, error) {
	rec, err := s.fileWithAccess(ctx, userID, fileID)
	if err != nil {
		return UploadResult{}, err
	}
	if !s.files.Exists(rec.StoragePath) {
		return UploadResult{}, apperr.New(apperr.KindFileNotFound, "the stored file bytes are missing")
	}
	if err := s.indexer.Retract(ctx, rec.KnowledgeID, rec.ID); err != nil {
		return UploadResult{}, apperr.Wrap(apperr.KindIngestionFailed, err, "failed to remove previous passages")
	}
	res, err := s.index(ctx, &rec, nil)
	return UploadResult{File: rec, Ingest: res}, err
}

// index runs the pipeline for rec and records the outcome on it.
func (s *Service) index(ctx context.Context, rec *store.File, metadata map[string]any) (ingestion.Result, error) {
	meta := map[string]any{ingestion.MetaSource: SourceUpload}
	for k, v := range metadata {
		meta[k] = v
	}
	res, ingestErr := s.indexer.Ingest(ctx, ingestion.Request{
		KnowledgeID: rec.KnowledgeID,
		FileID:      rec.ID,
		Path:        rec.StoragePath,
		Extension:   filepath.Ext(rec.Name),
		Metadata:    meta,
	})

	status, msg := store.FileIndexed, ""
	if ingestErr != nil {
		status, msg = store.FileFailed, apperr.From(ingestErr).PublicMessage()
	}
	if err := s.store.SetFileStatus(ctx, rec.ID, status, res.ChunkCount, msg); err != nil {
		logging.FromContext(ctx).Error("knowledge: could not record ingestion outcome",
			slog.Int64("file_id", rec.ID),
			slog.Any("error", err),
		)
	}
	rec.Status, rec.ChunkCount, rec.Error = status, res.ChunkCount, msg
	return res, ingestErr
}

// FileList is a page of file records.
type FileList struct {
	Files      []store.File     `json:"files"`
	Pagination store.Pagination `json:"pagination"`
	SearchTerm string           `json:"searchTerm,omitempty"`
}

// ListFiles returns a knowledge base's files, newest first. A non-empty
// name filters case-insensitively.
func (s *Service) ListFiles(ctx context.Context, userID, kbID int64, name string, page, limit int) (FileList, error) {
	if _, err := s.CheckAccess(ctx, kbID, userID); err != nil {
		return FileList{}, err
	}
	pg, window := store.NewPagination(page, limit)
	name = strings.TrimSpace(name)
	files, total, err := s.store.ListFiles(ctx, store.FileFilter{KnowledgeID: kbID, Name: name, Page: window})
	if err != nil {
		return FileList{}, err
	}
	return FileList{Files: files, Pagination: pg.WithTotal(total), SearchTerm: name}, nil
}

// DeleteFile retracts the file's passages, soft-deletes the record and
// removes the stored bytes.
func (s *Service) DeleteFile(ctx context.Context, userID, fileID int64) error {
	rec, err := s.fileWithAccess(ctx, userID, fileID)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx).With(
		slog.Int64("knowledge_id", rec.KnowledgeID),
		slog.Int64("file_id", rec.ID),
	)

	if err := s.indexer.Retract(ctx, rec.KnowledgeID, rec.ID); err != nil {
		return apperr.Wrap(apperr.KindIngestionFailed, err, "failed to remove the file's passages")
	}
	if err := s.store.SoftDeleteFile(ctx, rec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindFileNotFound, "")
		}
		return err
	}
	if err := s.files.Remove(rec.StoragePath); err != nil {
		log.Warn("knowledge: could not remove stored bytes", slog.Any("error", err))
	}
	log.Info("knowledge: file deleted")
	return nil
}

// FileTypeInfo classifies a path or file name by extension.
func (s *Service) FileTypeInfo(path string) extractor.TypeInfo {
	return extractor.FileTypeInfo(path)
}

func (s *Service) fileWithAccess(ctx context.Context, userID, fileID int64) (store.File, error) {
	rec, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.File{}, apperr.New(apperr.KindFileNotFound, "")
		}
		return store.File{}, err
	}
	if _, err := s.CheckAccess(ctx, rec.KnowledgeID, userID); err != nil {
		return store.File{}, err
	}
	return rec, nil
}
