package rag

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/54b3r/kbchat-go/internal/apperr"
)

// MemoryIndex is a KnowledgeIndex held entirely in process memory using
// brute-force cosine similarity. It backs tests and the `ingest --dry-run`
// path; it is not persistent.
type MemoryIndex struct {
	mu          sync.RWMutex
	dimension   int
	collections map[int64]map[string]Entry
}

// NewMemoryIndex returns an empty index that accepts vectors of the given
// dimension. A dimension of 0 disables the check.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension:   dimension,
		collections: make(map[int64]map[string]Entry),
	}
}

// EnsureCollection creates the collection for kbID if absent.
func (m *MemoryIndex) EnsureCollection(_ context.Context, kbID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[kbID]; !ok {
		m.collections[kbID] = make(map[string]Entry)
	}
	return nil
}

// HasCollection reports whether the collection for kbID exists.
func (m *MemoryIndex) HasCollection(kbID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[kbID]
	return ok
}

// Len returns the number of entries stored for kbID.
func (m *MemoryIndex) Len(kbID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[kbID])
}

// Upsert writes or replaces entries by id. All entries are validated before
// any is written.
func (m *MemoryIndex) Upsert(_ context.Context, kbID int64, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[kbID]
	if !ok {
		return apperr.New(apperr.KindCollectionNotFound, "collection %s does not exist", CollectionName(kbID))
	}
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("memory index: entry without id")
		}
		if m.dimension > 0 && len(e.Vector) != m.dimension {
			return fmt.Errorf("memory index: entry %s has dimension %d, want %d", e.ID, len(e.Vector), m.dimension)
		}
	}
	for _, e := range entries {
		e.Vector = slices.Clone(e.Vector)
		col[e.ID] = e
	}
	return nil
}

// DeleteByFile removes every entry of kbID owned by fileID.
func (m *MemoryIndex) DeleteByFile(_ context.Context, kbID, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.collections[kbID] {
		if e.Payload.FileID == fileID {
			delete(m.collections[kbID], id)
		}
	}
	return nil
}

// DeleteCollection drops the collection for kbID.
func (m *MemoryIndex) DeleteCollection(_ context.Context, kbID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, kbID)
	return nil
}

// Search ranks every entry of kbID by cosine similarity to vector.
func (m *MemoryIndex) Search(_ context.Context, kbID int64, vector []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.collections[kbID]
	if !ok {
		return []Hit{}, nil
	}
	if k <= 0 {
		k = DefaultTopK
	}

	hits := make([]Hit, 0, len(col))
	for _, e := range col {
		hits = append(hits, Hit{
			ID:      e.ID,
			Score:   cosine(e.Vector, vector),
			Payload: e.Payload,
		})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

func cosine(a, b []float32) float32 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
