package tabs

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is a Registry shared by coordinators in one process.
type MemoryRegistry struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (r *MemoryRegistry) Load(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records), nil
}

func (r *MemoryRegistry) Update(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := fn(slices.Clone(r.records))
	if err != nil {
		return err
	}
	r.records = next
	return nil
}
