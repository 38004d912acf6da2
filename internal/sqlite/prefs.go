package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rpggio/parley/internal/repository"
)

const (
	// LastSelectedKey holds the conversation opened most recently.
	LastSelectedKey = "last_selected_conversation"
	// PurgedKey holds the ids of locally purged tombstones.
	PurgedKey = "purged_tombstones"
)

// MaxPurged bounds the persisted purge list; the oldest ids go first.
const MaxPurged = 2000

var _ repository.PrefsRepository = (*Prefs)(nil)

type lastSelected struct {
	ConversationID string    `json:"conversationId"`
	SelectedAt     time.Time `json:"selectedAt"`
}

// Prefs persists per-user client state that can be rebuilt from a sync.
type Prefs struct {
	kv     *KV
	logger *slog.Logger
}

// NewPrefs creates a new Prefs
func NewPrefs(db *DB, logger *slog.Logger) *Prefs {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Prefs{kv: NewKV(db), logger: logger}
}

// LastSelected returns the last selected conversation, or "" if none.
func (p *Prefs) LastSelected(ctx context.Context) (string, error) {
	data, err := p.kv.Get(ctx, LastSelectedKey)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rec lastSelected
	if err := json.Unmarshal(data, &rec); err != nil {
		p.logger.Warn("discarding unreadable last selected conversation", "error", err)
		return "", nil
	}
	return rec.ConversationID, nil
}

// SetLastSelected records conversationID as the last selected one.
func (p *Prefs) SetLastSelected(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("set last selected: %w", repository.ErrInvalidInput)
	}
	data, err := json.Marshal(lastSelected{ConversationID: conversationID, SelectedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return p.kv.Put(ctx, LastSelectedKey, data)
}

// PurgedIDs returns the persisted purged message ids.
func (p *Prefs) PurgedIDs(ctx context.Context) ([]string, error) {
	data, err := p.kv.Get(ctx, PurgedKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.decodePurged(data), nil
}

// AddPurged merges ids into the persisted purge set.
func (p *Prefs) AddPurged(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.kv.Update(ctx, PurgedKey, func(current []byte, found bool) ([]byte, error) {
		var existing []string
		if found {
			existing = p.decodePurged(current)
		}
		for _, id := range ids {
			if id != "" && !slices.Contains(existing, id) {
				existing = append(existing, id)
			}
		}
		if len(existing) > MaxPurged {
			existing = existing[len(existing)-MaxPurged:]
		}
		return json.Marshal(existing)
	})
}

func (p *Prefs) decodePurged(data []byte) []string {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		p.logger.Warn("discarding unreadable purged message list", "error", err)
		return nil
	}
	return ids
}
