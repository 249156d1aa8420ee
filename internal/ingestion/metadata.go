package ingestion

import (
	"path/filepath"
	"strings"

	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/rag"
)

// Metadata keys inferred from the stored file.
const (
	MetaFileName = "fileName"
	MetaFileType = "fileType"
	MetaSource   = "source"
)

// reservedKeys are the required payload keys; metadata may never shadow them.
var reservedKeys = map[string]bool{
	rag.KeyFileID:          true,
	rag.KeyKnowledgeID:     true,
	rag.KeyContent:         true,
	rag.KeyChunkIndex:      true,
	rag.KeyOriginalContent: true,
}

// InferMetadata returns best-effort payload metadata for a stored file: its
// base name (with any storage uuid prefix removed) and its document kind.
// Caller-supplied metadata takes precedence over inferred values.
func InferMetadata(path, ext string) map[string]any {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	name = stripStoragePrefix(name)

	if ext == "" {
		ext = filepath.Ext(path)
	}
	return map[string]any{
		MetaFileName: name,
		MetaFileType: extractor.Classify(ext).String(),
	}
}

// mergeMetadata layers override on top of base and drops reserved keys and
// non-scalar values.
func mergeMetadata(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for _, m := range []map[string]any{base, override} {
		for k, v := range m {
			if k == "" || reservedKeys[k] || !isScalar(v) {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// isScalar reports whether v is a payload-safe scalar.
func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

// stripStoragePrefix removes the "<uuid>_" prefix the file store puts in
// front of uploaded names.
func stripStoragePrefix(name string) string {
	const uuidLen = 36
	if len(name) > uuidLen+1 && name[uuidLen] == '_' && strings.Count(name[:uuidLen], "-") == 4 {
		return name[uuidLen+1:]
	}
	return name
}
