package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rpggio/parley/internal/repository"
	"github.com/rpggio/parley/internal/tabs"
)

var (
	_ tabs.Registry            = (*TabRegistry)(nil)
	_ repository.TabRepository = (*TabRegistry)(nil)
)

// TabRegistryKey is the kv key holding the shared tab list.
const TabRegistryKey = "tab_registry"

// TabRegistry implements tabs.Registry on the kv table so tabs running in
// separate processes share one list.
type TabRegistry struct {
	kv     *KV
	logger *slog.Logger
}

// NewTabRegistry creates a new TabRegistry
func NewTabRegistry(db *DB, logger *slog.Logger) *TabRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TabRegistry{kv: NewKV(db), logger: logger}
}

// Load returns the stored records. A missing or unreadable list is empty.
func (r *TabRegistry) Load(ctx context.Context) ([]tabs.Record, error) {
	data, err := r.kv.Get(ctx, TabRegistryKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.decode(data), nil
}

// Update applies fn to the latest list inside a write transaction.
func (r *TabRegistry) Update(ctx context.Context, fn func([]tabs.Record) ([]tabs.Record, error)) error {
	return r.kv.Update(ctx, TabRegistryKey, func(current []byte, found bool) ([]byte, error) {
		var records []tabs.Record
		if found {
			records = r.decode(current)
		}
		next, err := fn(records)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []tabs.Record{}
		}
		return json.Marshal(next)
	})
}

func (r *TabRegistry) decode(data []byte) []tabs.Record {
	var records []tabs.Record
	if err := json.Unmarshal(data, &records); err != nil {
		r.logger.Warn("discarding unreadable tab registry", "error", err)
		return nil
	}
	return records
}
