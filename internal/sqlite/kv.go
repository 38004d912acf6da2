package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/parley/internal/repository"
)

// KV stores JSON values under string keys.
type KV struct {
	db *DB
}

// NewKV creates a new KV
func NewKV(db *DB) *KV {
	return &KV{db: db}
}

// Get returns the value stored under key
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(value), nil
}

// Put stores value under key
func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertKV, key, string(value), time.Now().UTC()); err != nil {
		return wrapBusy("put "+key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return wrapBusy("delete "+key, err)
	}
	return nil
}

// Update reads the value under key, passes it to fn and stores the result
// in one transaction. found is false when the key is missing.
func (s *KV) Update(ctx context.Context, key string, fn func(current []byte, found bool) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy("begin update "+key, err)
	}
	defer tx.Rollback()

	var value string
	found := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return wrapBusy("read "+key, err)
	}

	var current []byte
	if found {
		current = []byte(value)
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, upsertKV, key, string(next), time.Now().UTC()); err != nil {
		return wrapBusy("write "+key, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapBusy("commit "+key, err)
	}
	return nil
}

const upsertKV = `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`
