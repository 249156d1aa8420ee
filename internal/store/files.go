package store

import (
	"context"
	"fmt"
	"time"
)

// FileStatus is the indexing state of a file record.
type FileStatus string

// File statuses. A file starts pending and becomes indexed or failed once its
// ingestion run finishes; failed files can be reindexed.
const (
	FilePending FileStatus = "pending"
	FileIndexed FileStatus = "indexed"
	FileFailed  FileStatus = "failed"
)

// File is an uploaded document record.
type File struct {
	ID          int64      `json:"id"`
	KnowledgeID int64      `json:"knowledge_id"`
	Name        string     `json:"name"`
	FileType    string     `json:"file_type"`
	FileURL     string     `json:"file_url"`
	StoragePath string     `json:"-"`
	Size        int64      `json:"size"`
	Status      FileStatus `json:"status"`
	ChunkCount  int        `json:"chunk_count"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FileFilter narrows ListFiles.
type FileFilter struct {
	KnowledgeID int64
	// Name matches case-insensitively anywhere in the file name when non-empty.
	Name string
	Page
}

const fileColumns = `id, knowledge_id, name, file_type, file_url, storage_path, size, status, chunk_count, error, created_at, updated_at`

func scanFile(row scanner) (File, error) {
	var (
		f                File
		status           string
		created, updated int64
	)
	err := row.Scan(&f.ID, &f.KnowledgeID, &f.Name, &f.FileType, &f.FileURL, &f.StoragePath, &f.Size,
		&status, &f.ChunkCount, &f.Error, &created, &updated)
	if err != nil {
		return File{}, err
	}
	f.Status = FileStatus(status)
	f.CreatedAt = fromMS(created)
	f.UpdatedAt = fromMS(updated)
	return f, nil
}

// CreateFile inserts f with status pending.
func (s *Store) CreateFile(ctx context.Context, f File) (File, error) {
	now := s.now()
	const q = `INSERT INTO files (knowledge_id, name, file_type, file_url, storage_path, size, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, f.KnowledgeID, f.Name, f.FileType, f.FileURL, f.StoragePath, f.Size,
		string(FilePending), ms(now), ms(now))
	if err != nil {
		return File{}, fmt.Errorf("store: create file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return File{}, fmt.Errorf("store: create file id: %w", err)
	}
	f.ID = id
	f.Status = FilePending
	f.CreatedAt = fromMS(ms(now))
	f.UpdatedAt = f.CreatedAt
	return f, nil
}

// GetFile returns a live file record.
func (s *Store) GetFile(ctx context.Context, id int64) (File, error) {
	q := `SELECT ` + fileColumns + ` FROM files WHERE id = ? AND is_deleted = 0`
	f, err := scanFile(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return File{}, notFound("get file", err)
	}
	return f, nil
}

// ListFiles returns live files of a knowledge base, newest first, and the
// total matching count.
func (s *Store) ListFiles(ctx context.Context, f FileFilter) ([]File, int, error) {
	cond := `knowledge_id = ? AND is_deleted = 0`
	args := []any{f.KnowledgeID}
	if f.Name != "" {
		cond += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, likePattern(f.Name))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count files: %w", err)
	}

	limit, pargs := f.Page.clause()
	q := `SELECT ` + fileColumns + ` FROM files WHERE ` + cond + ` ORDER BY created_at DESC, id DESC` + limit
	rows, err := s.db.QueryContext(ctx, q, append(args, pargs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list files: %w", err)
	}
	defer rows.Close()

	files := []File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: list files scan: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list files rows: %w", err)
	}
	return files, total, nil
}

// SetFileStatus records the outcome of an ingestion run.
func (s *Store) SetFileStatus(ctx context.Context, id int64, status FileStatus, chunks int, errMsg string) error {
	const q = `UPDATE files SET status = ?, chunk_count = ?, error = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`
	res, err := s.db.ExecContext(ctx, q, string(status), chunks, errMsg, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: set file status: %w", err)
	}
	return affected("set file status", res)
}

// SoftDeleteFile marks a file deleted.
func (s *Store) SoftDeleteFile(ctx context.Context, id int64) error {
	const q = `UPDATE files SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`
	res, err := s.db.ExecContext(ctx, q, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: delete file: %w", err)
	}
	return affected("delete file", res)
}

// HardDeleteFile removes a file row. Used to roll back an upload whose
// record was created but whose bytes could not be kept.
func (s *Store) HardDeleteFile(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: hard delete file: %w", err)
	}
	return nil
}
