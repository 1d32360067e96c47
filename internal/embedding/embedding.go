// Package embedding produces similarity vectors for stories and sibling
// items. It wraps a networked embedding service and degrades to a
// deterministic offline fallback so duplicate detection keeps working when
// the service is down.
package embedding

import (
	"context"
	"log"
	"math"
	"sync"

	"github.com/storyforge/storyforge/config"
)

// Client is the networked embedding backend.
type Client interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Adapter fronts the embedding backends. With no remote client configured it
// runs purely on the offline fallback.
type Adapter struct {
	remote Client
	dims   int
	logger *log.Logger
}

// NewAdapter builds an adapter. remote may be nil.
func NewAdapter(remote Client, cfg config.EmbeddingConfig, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = FallbackDimensions
	}
	return &Adapter{remote: remote, dims: dims, logger: logger}
}

// EmbedMany returns one vector per input text, in order. Remote failures fall
// back to the offline embedder for the whole batch so all vectors in a run
// come from the same backend.
func (a *Adapter) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if a.remote != nil {
		vecs, err := a.remote.CreateEmbedding(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs, nil
		}
		if err != nil {
			a.logger.Printf("remote embedding failed, using offline fallback: %v", err)
		}
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = FallbackEmbed(t, a.dims)
	}
	return vecs, nil
}

// Cosine returns the cosine similarity of two vectors, clamped to [0,1].
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
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
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Cache memoizes vectors by text within a run. Sibling and existing-item
// vectors are computed once per run and reused across regenerations.
type Cache struct {
	mu      sync.RWMutex
	adapter *Adapter
	vecs    map[string][]float32
}

// NewCache builds an empty per-run cache over the adapter.
func NewCache(adapter *Adapter) *Cache {
	return &Cache{adapter: adapter, vecs: make(map[string][]float32)}
}

// EmbedMany resolves cached vectors and fetches only the misses.
func (c *Cache) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.RLock()
	for i, t := range texts {
		if v, ok := c.vecs[t]; ok {
			out[i] = v
		} else {
			missing = append(missing, t)
			missingIdx = append(missingIdx, i)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.adapter.EmbedMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for j, v := range fetched {
		c.vecs[missing[j]] = v
		out[missingIdx[j]] = v
	}
	c.mu.Unlock()
	return out, nil
}
