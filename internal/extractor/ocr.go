package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Recognizer extracts text from an image file.
// Implementations must be safe to call from multiple goroutines.
type Recognizer interface {
	// Recognize returns the text found in the image at path using the given
	// language spec (e.g. "chi_sim+eng").
	Recognize(ctx context.Context, path, languages string) (string, error)
}

// TesseractRecognizer implements Recognizer by running the tesseract binary.
type TesseractRecognizer struct {
	// bin is the resolved path of the tesseract executable.
	bin string
}

// NewTesseractRecognizer verifies that tesseract is available on PATH.
func NewTesseractRecognizer() (*TesseractRecognizer, error) {
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		return nil, fmt.Errorf("extractor: tesseract binary not found on PATH, image OCR disabled")
	}
	return &TesseractRecognizer{bin: bin}, nil
}

// Recognize runs `tesseract <path> stdout -l <languages>` and returns stdout.
func (r *TesseractRecognizer) Recognize(ctx context.Context, path, languages string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, r.bin, path, "stdout", "-l", languages)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("tesseract exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("run tesseract: %w", err)
	}
	return stdout.String(), nil
}
