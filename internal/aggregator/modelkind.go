// Package aggregator implements deterministic weighted combination of
// client model blobs into a new global blob (spec.md §4.4), plus the
// model-kind registry that replaces the source's dynamic per-kind module
// loading with an explicit static table (spec.md §9 design note 1).
package aggregator

import (
	"fmt"
	"sync"

	"github.com/medhive/flcoordinator/internal/fl"
)

// EvalMetrics is the result of an optional evaluate hook.
type EvalMetrics struct {
	Loss      float64 `json:"loss"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// ModelKindEntry is the per-modelKind configuration the Aggregator and
// RoundManager need: how to build an empty model, which keys are
// statistics-only (never averaged), and an optional evaluation function.
type ModelKindEntry struct {
	// EmptyModel returns a canonical zero-initialized model so round 1 has
	// a well-defined starting point absent a seed.
	EmptyModel func() *fl.ModelBlob

	// StatisticsOnlyKeys lists parameter keys passed through from the
	// first client rather than averaged (e.g. batch-norm running stats).
	StatisticsOnlyKeys []string

	// Evaluate is optional; when nil, evaluation always returns {}.
	Evaluate func(blob *fl.ModelBlob, testSetRef string) (EvalMetrics, error)
}

// Registry is the static table of known model kinds, populated at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ModelKindEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ModelKindEntry)}
}

// Register adds or replaces the entry for kind.
func (r *Registry) Register(kind string, entry ModelKindEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = entry
}

// Lookup returns the entry for kind, or false if unregistered.
func (r *Registry) Lookup(kind string) (ModelKindEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e, ok
}

// IsStatisticsOnly reports whether key is a statistics-only parameter for
// kind (spec.md §4.4 item 3).
func (r *Registry) IsStatisticsOnly(kind, key string) bool {
	e, ok := r.Lookup(kind)
	if !ok {
		return false
	}
	for _, k := range e.StatisticsOnlyKeys {
		if k == key {
			return true
		}
	}
	return false
}

// NewEmptyModel invokes the registered empty-model factory for kind.
func (r *Registry) NewEmptyModel(kind string) (*fl.ModelBlob, error) {
	e, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("aggregator: unknown model kind %q", kind)
	}
	return e.EmptyModel(), nil
}
