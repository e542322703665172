// Package search implements the semantic knowledge index consulted by
// the understanding stage. Retrieval is hybrid: embedding vectors are
// scored by cosine similarity while a bleve index serves keyword
// matches when no query vector is available.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viterin/vek/vek32"
)

// Document is one indexed knowledge snippet.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a ranked retrieval hit.
type Result struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Content string  `json:"content"`
}

// Index is the narrow contract the understanding stage consumes.
type Index interface {
	Upsert(ctx context.Context, doc Document, vector []float32) error
	Query(ctx context.Context, vector []float32, k int) ([]Result, error)
	SearchText(ctx context.Context, text string, k int) ([]Result, error)
	Close() error
}

const defaultDocCacheSize = 4096

// HybridIndex keeps vectors in memory for similarity scoring and
// mirrors document text into a bleve index for keyword retrieval.
// Documents are cached in an LRU so hits can be hydrated without a
// store round trip.
type HybridIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	norms   map[string]float64

	keyword bleve.Index
	docs    *lru.Cache[string, Document]
}

// NewHybridIndex creates an in-process hybrid index. An empty path
// builds a memory-only bleve index, which tests and single-shot runs
// use.
func NewHybridIndex(path string, docCacheSize int) (*HybridIndex, error) {
	if docCacheSize <= 0 {
		docCacheSize = defaultDocCacheSize
	}

	mapping := bleve.NewIndexMapping()
	var keyword bleve.Index
	var err error
	if path == "" {
		keyword, err = bleve.NewMemOnly(mapping)
	} else {
		keyword, err = bleve.Open(path)
		if err != nil {
			keyword, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	docs, err := lru.New[string, Document](docCacheSize)
	if err != nil {
		keyword.Close()
		return nil, err
	}

	return &HybridIndex{
		vectors: make(map[string][]float32),
		norms:   make(map[string]float64),
		keyword: keyword,
		docs:    docs,
	}, nil
}

// Upsert indexes or replaces a document and its embedding vector. A
// nil vector indexes the keyword half only.
func (h *HybridIndex) Upsert(ctx context.Context, doc Document, vector []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := h.keyword.Index(doc.ID, map[string]any{"content": doc.Content}); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}

	h.mu.Lock()
	if vector != nil {
		h.vectors[doc.ID] = vector
		h.norms[doc.ID] = math.Sqrt(float64(vek32.Dot(vector, vector)))
	}
	h.mu.Unlock()
	h.docs.Add(doc.ID, doc)
	return nil
}

// Query returns the k documents whose vectors are most similar to the
// query vector, best first.
func (h *HybridIndex) Query(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryNorm := math.Sqrt(float64(vek32.Dot(vector, vector)))
	if queryNorm == 0 {
		return nil, fmt.Errorf("zero query vector")
	}

	h.mu.RLock()
	results := make([]Result, 0, len(h.vectors))
	for id, candidate := range h.vectors {
		if len(candidate) != len(vector) {
			continue
		}
		norm := h.norms[id]
		if norm == 0 {
			continue
		}
		score := float64(vek32.Dot(vector, candidate)) / (queryNorm * norm)
		results = append(results, Result{ID: id, Score: score})
	}
	h.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	h.hydrate(results)
	return results, nil
}

// SearchText returns the k best keyword matches for a text query.
func (h *HybridIndex) SearchText(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(text), k, 0, false)

	res, err := h.keyword.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, Result{ID: hit.ID, Score: hit.Score})
	}
	h.hydrate(results)
	return results, nil
}

// hydrate fills result content from the document cache.
func (h *HybridIndex) hydrate(results []Result) {
	for i := range results {
		if doc, ok := h.docs.Get(results[i].ID); ok {
			results[i].Content = doc.Content
		}
	}
}

// Close releases the keyword index.
func (h *HybridIndex) Close() error {
	return h.keyword.Close()
}
