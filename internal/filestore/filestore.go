// Package filestore keeps uploaded document bytes on local disk under a
// single root. Stored files are named "<uuid>_<original name>" inside a
// per-knowledge-base directory, and are exposed to clients under a "static"
// URL prefix that maps back onto the root.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix replaces the root directory in client-facing file URLs.
const URLPrefix = "static"

// DefaultRoot is the uploads directory used when none is configured.
const DefaultRoot = "uploads"

// ErrOutsideRoot is returned when a path or URL escapes the store root.
var ErrOutsideRoot = errors.New("filestore: path is outside the uploads directory")

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("filestore: file exceeds the upload size limit")

// Store writes and removes files under root.
type Store struct {
	// root is the cleaned absolute uploads directory.
	root string
}

// Stored describes a file written by Save.
type Stored struct {
	// Path is the absolute local path of the bytes.
	Path string
	// URL is the client-facing location, e.g. "static/3/<uuid>_guide.pdf".
	URL string
	// Size is the number of bytes written.
	Size int64
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultRoot
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute uploads directory.
func (s *Store) Root() string { return s.root }

// Save copies r to a new file for knowledge base kbID. At most maxBytes are
// accepted when maxBytes > 0; on any failure the partial file is removed.
func (s *Store) Save(kbID int64, name string, r io.Reader, maxBytes int64) (Stored, error) {
	dir := filepath.Join(s.root, strconv.FormatInt(kbID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stored{}, fmt.Errorf("filestore: create %s: %w", dir, err)
	}

	dst := filepath.Join(dir, uuid.NewString()+"_"+SanitizeName(name))
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Stored{}, fmt.Errorf("filestore: create file: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(dst)
		if errors.Is(err, ErrTooLarge) {
			return Stored{}, err
		}
		return Stored{}, fmt.Errorf("filestore: write %s: %w", dst, err)
	}

	url, err := s.URLFor(dst)
	if err != nil {
		_ = os.Remove(dst)
		return Stored{}, err
	}
	return Stored{Path: dst, URL: url, Size: n}, nil
}

// URLFor maps a local path under the root to its client-facing URL.
func (s *Store) URLFor(p string) (string, error) {
	abs, err := s.confine(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("filestore: %w", err)
	}
	return path.Join(URLPrefix, filepath.ToSlash(rel)), nil
}

// Resolve maps a client-facing URL (or a bare relative path) back to the
// local path. URLs that escape the root are rejected.
func (s *Store) Resolve(url string) (string, error) {
	rel := strings.TrimPrefix(filepath.ToSlash(url), "/")
	rel = strings.TrimPrefix(rel, URLPrefix+"/")
	if rel == "" || rel == URLPrefix {
		return "", ErrOutsideRoot
	}
	return s.confine(filepath.Join(s.root, filepath.FromSlash(rel)))
}

// Remove deletes the file at p. A missing file is not an error.
func (s *Store) Remove(p string) error {
	abs, err := s.confine(p)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: remove %s: %w", abs, err)
	}
	return nil
}

// Exists reports whether p is a regular file under the root.
func (s *Store) Exists(p string) bool {
	abs, err := s.confine(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// confine cleans p and checks that it lies strictly inside the root.
func (s *Store) confine(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	target := filepath.Clean(p)
	if !strings.HasPrefix(target, s.root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return target, nil
}

// SanitizeName reduces a client-supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == ':' {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}
