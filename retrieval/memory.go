package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memoryEntry struct {
	doc  Document
	vec  []float32
	meta map[string]string
}

// MemoryStore is an in-process VectorStore ranking documents by cosine
// similarity. It backs deployments without an external vector database; the
// corpus is indexed at startup and lives as long as the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []memoryEntry
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add indexes one document under its embedding. meta participates in query
// filters and may be nil.
func (s *MemoryStore) Add(doc Document, embedding []float32, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, memoryEntry{doc: doc, vec: embedding, meta: meta})
}

// Len reports the number of indexed documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Query implements VectorStore. Filters must all match an entry's metadata for
// it to qualify.
func (s *MemoryStore) Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	ranked := make([]Document, 0, len(s.entries))
	for _, e := range s.entries {
		if !matchesFilters(e.meta, filters) {
			continue
		}
		doc := e.doc
		doc.Score = cosine(embedding, e.vec)
		ranked = append(ranked, doc)
	}
	s.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

func matchesFilters(meta, filters map[string]string) bool {
	for k, v := range filters {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
