package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dslipak/pdf"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// extractPDF concatenates the plain text of every page. Pages that fail to
// decode are skipped and logged.
func extractPDF(ctx context.Context, path, _ string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat pdf: %w", err)
	}

	r, err := pdf.NewReader(f, st.Size())
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	log := logging.FromContext(ctx)
	var buf strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Warn("extractor: skipping unreadable pdf page",
				slog.String("path", path),
				slog.Int("page", i),
				slog.Any("error", err),
			)
			continue
		}
		buf.WriteString(text)
		buf.WriteByte('\n')
	}
	return strings.TrimSpace(buf.String()), nil
}
