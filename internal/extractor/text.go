package extractor

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// extractPlainText reads a text or Markdown file. A byte-order mark selects
// UTF-8 or UTF-16 decoding; when the decoded result is not valid UTF-8 the
// raw bytes are used with invalid sequences replaced.
func extractPlainText(_ context.Context, path, _ string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(data), nil
}

// decodeText decodes data honouring a BOM, falling back to a raw decode.
func decodeText(data []byte) string {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err == nil && utf8.Valid(out) {
		return string(out)
	}
	return strings.ToValidUTF8(string(data), "�")
}
