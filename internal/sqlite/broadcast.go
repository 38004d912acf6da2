package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/parley/internal/broadcast"
)

// DefaultBroadcastPoll is how often the log is checked for new rows.
const DefaultBroadcastPoll = 250 * time.Millisecond

// broadcastRetention bounds how long published rows are kept.
const broadcastRetention = time.Minute

// Broadcast implements broadcast.Channel across processes sharing one
// database file. Published messages are appended to a log table and
// every other endpoint on the topic polls for rows past the last one it
// has seen. Only messages published after Open are delivered.
type Broadcast struct {
	db       *DB
	topic    string
	sender   string
	interval time.Duration
	logger   *slog.Logger

	out    chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	lastID int64
}

var _ broadcast.Channel = (*Broadcast)(nil)

// OpenBroadcast joins topic. A non-positive interval selects DefaultBroadcastPoll.
func OpenBroadcast(ctx context.Context, db *DB, topic string, interval time.Duration, logger *slog.Logger) (*Broadcast, error) {
	if interval <= 0 {
		interval = DefaultBroadcastPoll
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var lastID sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM broadcast_log WHERE topic = ?`, topic).Scan(&lastID)
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast %s: %w", topic, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b := &Broadcast{
		db:       db,
		topic:    topic,
		sender:   uuid.NewString(),
		interval: interval,
		logger:   logger.With("topic", topic),
		out:      make(chan []byte, broadcast.DefaultBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
		lastID:   lastID.Int64,
	}
	go b.run(pollCtx)
	return b, nil
}

// Publish appends msg to the log.
func (b *Broadcast) Publish(ctx context.Context, msg []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broadcast.ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO broadcast_log (topic, sender, payload, created_at) VALUES (?, ?, ?, ?)`,
		b.topic, b.sender, msg, time.Now().UTC(),
	)
	if err != nil {
		return wrapBusy("publish broadcast", err)
	}
	return nil
}

// Messages returns the inbox. It is closed by Close.
func (b *Broadcast) Messages() <-chan []byte {
	return b.out
}

// Close stops polling and closes the inbox.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
	close(b.out)
	return nil
}

func (b *Broadcast) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.poll(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("broadcast poll failed", "error", err)
		}
		polls++
		if polls%100 == 0 {
			b.prune(ctx)
		}
	}
}

func (b *Broadcast) poll(ctx context.Context) error {
	b.mu.Lock()
	after := b.lastID
	b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, sender, payload FROM broadcast_log WHERE topic = ? AND id > ? ORDER BY id`,
		b.topic, after,
	)
	if err != nil {
		return err
	}
	type row struct {
		id      int64
		sender  string
		payload []byte
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.sender, &r.payload); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range pending {
		if r.sender != b.sender {
			select {
			case b.out <- r.payload:
			case <-ctx.Done():
				return nil
			}
		}
		b.mu.Lock()
		b.lastID = r.id
		b.mu.Unlock()
	}
	return nil
}

func (b *Broadcast) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-broadcastRetention)
	if _, err := b.db.ExecContext(ctx, `DELETE FROM broadcast_log WHERE created_at < ?`, cutoff); err != nil && ctx.Err() == nil {
		b.logger.Debug("prune broadcast log", "error", err)
	}
}
