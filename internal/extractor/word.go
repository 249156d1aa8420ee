package extractor

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// extractWord dispatches between the OOXML (.docx) and legacy binary (.doc)
// formats by the declared extension; the stored path may have none.
func extractWord(_ context.Context, path, ext string) (string, error) {
	if ext == ".doc" {
		return extractLegacyDoc(path)
	}
	return extractDocx(path)
}

// extractDocx reads word/document.xml from the zip container and joins the
// text runs of each paragraph with newlines.
func extractDocx(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var body []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		body, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read document.xml: %w", err)
		}
		break
	}
	if body == nil {
		return "", fmt.Errorf("invalid docx: word/document.xml not found")
	}
	return docxText(body), nil
}

// docxText walks the WordprocessingML token stream collecting <w:t> text,
// emitting a newline at each paragraph end and a tab for <w:tab/>.
func docxText(body []byte) string {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	var (
		out    strings.Builder
		para   strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if line := strings.TrimSpace(para.String()); line != "" {
					if out.Len() > 0 {
						out.WriteByte('\n')
					}
					out.WriteString(line)
				}
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	if line := strings.TrimSpace(para.String()); line != "" {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
	}
	return out.String()
}

var legacyWhitespace = regexp.MustCompile(`\s+`)

// extractLegacyDoc pulls printable ASCII runs out of an OLE compound .doc
// file. It is a best-effort reader: formatting and non-ASCII text are lost.
func extractLegacyDoc(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var out, word strings.Builder
	flush := func() {
		if word.Len() >= 2 {
			out.WriteString(word.String())
			out.WriteByte(' ')
		}
		word.Reset()
	}
	for _, b := range data {
		if (b >= 32 && b <= 126) || b == '\n' || b == '\r' || b == '\t' {
			word.WriteByte(b)
			continue
		}
		flush()
	}
	flush()

	text := strings.TrimSpace(legacyWhitespace.ReplaceAllString(out.String(), " "))
	if text == "" {
		return "", fmt.Errorf("no text found in .doc file; convert it to .docx")
	}
	return text, nil
}
