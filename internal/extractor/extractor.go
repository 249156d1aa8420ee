// Package extractor converts stored documents into raw text.
// Dispatch is by lower-cased file extension onto a closed set of kinds;
// each kind has exactly one handler. The source file is only ever read.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// Kind is the document variant selected from a file extension.
type Kind int

const (
	// Unsupported is any extension without a handler.
	Unsupported Kind = iota
	// PlainText is a .txt file.
	PlainText
	// Markdown is a .md file.
	Markdown
	// Word is a .docx or legacy .doc file.
	Word
	// Pdf is a .pdf file.
	Pdf
	// Image is a raster image that is run through OCR.
	Image
)

// String returns the lower-case type label used in file type info.
func (k Kind) String() string {
	switch k {
	case PlainText:
		return "text"
	case Markdown:
		return "markdown"
	case Word:
		return "word"
	case Pdf:
		return "pdf"
	case Image:
		return "image"
	default:
		return "unknown"
	}
}

// description is the human-readable label for each kind.
var description = map[Kind]string{
	PlainText:   "Plain text file",
	Markdown:    "Markdown document",
	Word:        "Word document",
	Pdf:         "PDF document",
	Image:       "Image file",
	Unsupported: "Unknown file type",
}

// extensions maps normalised extensions to their kind.
var extensions = map[string]Kind{
	".txt":  PlainText,
	".md":   Markdown,
	".docx": Word,
	".doc":  Word,
	".pdf":  Pdf,
	".jpg":  Image,
	".jpeg": Image,
	".png":  Image,
	".bmp":  Image,
	".tiff": Image,
}

// NormalizeExt lower-cases ext and ensures a leading dot.
// Both "PDF" and ".pdf" normalise to ".pdf".
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Classify returns the Kind for ext. It is pure and never fails; unknown
// extensions map to Unsupported.
func Classify(ext string) Kind {
	if k, ok := extensions[NormalizeExt(ext)]; ok {
		return k
	}
	return Unsupported
}

// SupportedExtensions returns every extension with a handler.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	return out
}

// TypeInfo describes a file's detected type.
type TypeInfo struct {
	// FileName is the base name of the file.
	FileName string `json:"fileName"`
	// Extension is the lower-cased extension including the dot.
	Extension string `json:"extension"`
	// Type is the kind label (text, markdown, word, pdf, image, unknown).
	Type string `json:"type"`
	// Description is a human-readable label.
	Description string `json:"description"`
}

// FileTypeInfo classifies path by its extension.
func FileTypeInfo(path string) TypeInfo {
	ext := NormalizeExt(filepath.Ext(path))
	kind := Classify(ext)
	return TypeInfo{
		FileName:    filepath.Base(path),
		Extension:   ext,
		Type:        kind.String(),
		Description: description[kind],
	}
}

// handler extracts text from the file at path. ext is the normalised
// declared extension.
type handler func(ctx context.Context, path, ext string) (string, error)

// Extractor dispatches extraction to the handler registered for each Kind.
// It is safe for concurrent use.
type Extractor struct {
	// handlers holds one entry per supported Kind.
	handlers map[Kind]handler
	// ocr recognises text in images. Nil disables the Image kind.
	ocr Recognizer
	// ocrLang is the tesseract language spec passed to ocr.
	ocrLang string
}

// Config holds optional Extractor settings.
type Config struct {
	// OCR is the image text recogniser. If nil, image extraction fails with
	// ExtractionFailed.
	OCR Recognizer
	// OCRLanguages is the recogniser language spec. Defaults to "chi_sim+eng".
	OCRLanguages string
}

// DefaultOCRLanguages is the bilingual OCR model (Simplified Chinese + English).
const DefaultOCRLanguages = "chi_sim+eng"

// New constructs an Extractor.
func New(cfg *Config) *Extractor {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.OCRLanguages == "" {
		cfg.OCRLanguages = DefaultOCRLanguages
	}
	e := &Extractor{ocr: cfg.OCR, ocrLang: cfg.OCRLanguages}
	e.handlers = map[Kind]handler{
		PlainText: extractPlainText,
		Markdown:  extractPlainText,
		Word:      extractWord,
		Pdf:       extractPDF,
		Image:     e.extractImage,
	}
	return e
}

// Extract returns the raw text of the file at path, dispatching on ext.
// Returns an apperr of kind UnsupportedFormat, FileNotFound, or
// ExtractionFailed on failure.
func (e *Extractor) Extract(ctx context.Context, path, ext string) (string, error) {
	kind := Classify(ext)
	h, ok := e.handlers[kind]
	if !ok {
		return "", apperr.New(apperr.KindUnsupportedFormat, "unsupported file format %q", NormalizeExt(ext))
	}

	log := logging.FromContext(ctx)
	log.Debug("extractor: extracting",
		slog.String("path", path),
		slog.String("kind", kind.String()),
	)

	text, err := h(ctx, path, NormalizeExt(ext))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.Wrap(apperr.KindFileNotFound, err, "file not found")
		}
		return "", apperr.Wrap(apperr.KindExtractionFailed, err, fmt.Sprintf("failed to extract %s content", kind))
	}
	return text, nil
}

// extractImage runs OCR over an image. Whitespace-only output is a failure.
func (e *Extractor) extractImage(ctx context.Context, path, _ string) (string, error) {
	if e.ocr == nil {
		return "", apperr.New(apperr.KindExtractionFailed, "image recognition is not available")
	}
	text, err := e.ocr.Recognize(ctx, path, e.ocrLang)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.KindExtractionFailed, "no text recognised in image")
	}
	return text, nil
}
