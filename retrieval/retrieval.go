// Package retrieval defines the boundary to the vector-similarity storage
// layer and the embedding generator. Both are external collaborators: this
// package ships the capability types and the composition used by the
// generation service, not the implementations.
package retrieval

import "context"

// Document is one ranked retrieval hit.
type Document struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore answers nearest-neighbour queries over embedded documents.
type VectorStore interface {
	Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]Document, error)
}

// Retriever composes the embedding generator and the vector store into the
// single capability the generation service consumes.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	topK     int
	filters  map[string]string
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK sets the number of documents requested per query.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithFilters applies static metadata filters to every query.
func WithFilters(filters map[string]string) Option {
	return func(r *Retriever) { r.filters = filters }
}

// NewRetriever builds a Retriever over the provided collaborators.
func NewRetriever(embedder Embedder, store VectorStore, opts ...Option) *Retriever {
	r := &Retriever{embedder: embedder, store: store, topK: 5}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds the text and queries the store for generation context.
func (r *Retriever) Retrieve(ctx context.Context, text string) ([]Document, error) {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return r.store.Query(ctx, embedding, r.topK, r.filters)
}
