// Package tabs detects when the same destination is open in more than one
// tab and negotiates which tab keeps it.
//
// Coordination is advisory. Tabs share a registry of records and a
// broadcast topic, but there is no lock: two tabs can both believe they
// own a path for as long as a registry write takes to become visible.
package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/parley/internal/broadcast"
	"github.com/rpggio/parley/internal/clock"
	"github.com/rpggio/parley/internal/dispatch"
)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTabID fixes the tab identity instead of generating one.
func WithTabID(id string) Option {
	return func(c *Coordinator) {
		c.tabID = id
	}
}

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithRefreshInterval sets how often the own record is refreshed.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.refresh = d
		}
	}
}

// WithFocuser sets how the tab is brought to the foreground.
func WithFocuser(f Focuser) Option {
	return func(c *Coordinator) {
		c.focuser = f
	}
}

// Coordinator is the per-tab side of duplicate-tab detection.
type Coordinator struct {
	tabID    string
	registry Registry
	channel  broadcast.Channel
	focuser  Focuser
	clock    clock.Clock
	refresh  time.Duration
	logger   *slog.Logger

	requested *dispatch.Dispatcher[Signal]
	confirmed *dispatch.Dispatcher[Signal]

	mu         sync.Mutex
	path       string
	url        string
	registered bool
	closed     bool
	keepalive  clock.Timer
	done       chan struct{}
}

// NewCoordinator creates a coordinator and starts listening on channel.
// The coordinator owns channel and closes it in Close.
func NewCoordinator(registry Registry, channel broadcast.Channel, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Coordinator{
		registry:  registry,
		channel:   channel,
		clock:     clock.Real(),
		refresh:   DefaultRefreshInterval,
		logger:    logger,
		requested: dispatch.New[Signal]("focus_requested", logger),
		confirmed: dispatch.New[Signal]("focus_confirmed", logger),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tabID == "" {
		c.tabID = uuid.NewString()
	}
	c.logger = c.logger.With("tab_id", c.tabID)
	go c.listen()
	return c
}

// TabID returns this tab's identity.
func (c *Coordinator) TabID() string {
	return c.tabID
}

// OnFocusRequested registers fn for focus requests addressed to this tab.
func (c *Coordinator) OnFocusRequested(fn func(Signal)) func() {
	return c.requested.Subscribe(fn)
}

// OnFocusConfirmed registers fn for confirmations of this tab's requests.
func (c *Coordinator) OnFocusConfirmed(fn func(Signal)) func() {
	return c.confirmed.Subscribe(fn)
}

// Register announces that this tab shows path. When another live tab
// already shows it, a focus request naming the earliest such tab is
// broadcast and any record this tab held for a previous path is
// dropped; the caller decides between leaving and Claim.
func (c *Coordinator) Register(ctx context.Context, path, url string) (Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrClosed
	}
	c.path, c.url = path, url
	c.mu.Unlock()

	var existing *Record
	err := c.registry.Update(ctx, func(records []Record) ([]Record, error) {
		now := c.clock.Now()
		live := Prune(records, now)
		existing = nil
		for i := range live {
			r := live[i]
			if r.Path != path || r.TabID == c.tabID {
				continue
			}
			if existing == nil || r.Timestamp < existing.Timestamp {
				existing = &r
			}
		}
		if existing != nil {
			return Without(live, c.tabID), nil
		}
		return Upsert(live, c.recordAt(path, url, now)), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("register tab: %w", err)
	}

	if existing != nil {
		c.logger.Info("path already open in another tab", "path", path, "existing_tab_id", existing.TabID)
		c.mu.Lock()
		c.registered = false
		c.stopKeepaliveLocked()
		c.mu.Unlock()
		if err := c.send(ctx, Signal{Type: SignalFocusRequest, TabID: existing.TabID, FromTabID: c.tabID, Path: path}); err != nil {
			c.logger.Warn("focus request not sent", "error", err)
		}
		return Result{Duplicate: true, ExistingTabID: existing.TabID}, nil
	}

	c.markRegistered()
	return Result{}, nil
}

// Claim writes this tab's record for the current path even when another
// tab shows it.
func (c *Coordinator) Claim(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	path, url := c.path, c.url
	c.mu.Unlock()

	if err := c.upsert(ctx, path, url); err != nil {
		return fmt.Errorf("claim tab: %w", err)
	}
	c.markRegistered()
	return nil
}

// Navigate refreshes the own record after a path change.
func (c *Coordinator) Navigate(ctx context.Context, path, url string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.path, c.url = path, url
	c.mu.Unlock()

	if err := c.upsert(ctx, path, url); err != nil {
		return fmt.Errorf("navigate tab: %w", err)
	}
	c.markRegistered()
	return nil
}

// Close removes the own record and closes the broadcast channel.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.registered = false
	c.stopKeepaliveLocked()
	c.mu.Unlock()

	err := c.registry.Update(ctx, func(records []Record) ([]Record, error) {
		return Without(Prune(records, c.clock.Now()), c.tabID), nil
	})
	if cerr := c.channel.Close(); cerr != nil {
		c.logger.Debug("close broadcast channel", "error", cerr)
	}
	<-c.done
	if err != nil {
		return fmt.Errorf("remove tab record: %w", err)
	}
	return nil
}

func (c *Coordinator) recordAt(path, url string, now time.Time) Record {
	return Record{TabID: c.tabID, Path: path, Timestamp: now.UnixMilli(), URL: url}
}

func (c *Coordinator) upsert(ctx context.Context, path, url string) error {
	return c.registry.Update(ctx, func(records []Record) ([]Record, error) {
		now := c.clock.Now()
		return Upsert(Prune(records, now), c.recordAt(path, url, now)), nil
	})
}

func (c *Coordinator) markRegistered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.registered = true
	c.armKeepaliveLocked()
}

func (c *Coordinator) armKeepaliveLocked() {
	c.stopKeepaliveLocked()
	c.keepalive = c.clock.AfterFunc(c.refresh, c.refreshRecord)
}

func (c *Coordinator) stopKeepaliveLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
}

func (c *Coordinator) refreshRecord() {
	c.mu.Lock()
	if !c.registered || c.closed {
		c.mu.Unlock()
		return
	}
	path, url := c.path, c.url
	c.mu.Unlock()

	if err := c.upsert(context.Background(), path, url); err != nil {
		c.logger.Warn("refresh tab record failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered && !c.closed {
		c.armKeepaliveLocked()
	}
}

func (c *Coordinator) send(ctx context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, data)
}

func (c *Coordinator) listen() {
	defer close(c.done)
	for data := range c.channel.Messages() {
		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.logger.Warn("ignoring malformed tab signal", "error", err)
			continue
		}
		c.handle(sig)
	}
}

func (c *Coordinator) handle(sig Signal) {
	switch sig.Type {
	case SignalFocusRequest:
		if sig.TabID != c.tabID {
			return
		}
		c.logger.Info("focus requested by duplicate tab", "from_tab_id", sig.FromTabID, "path", sig.Path)
		if c.focuser != nil {
			if err := c.focuser.Focus(); err != nil {
				c.logger.Debug("focus refused", "error", err)
			}
		}
		c.requested.Publish(sig)
		reply := Signal{Type: SignalFocusConfirmed, TabID: c.tabID, FromTabID: sig.FromTabID, Path: sig.Path}
		if err := c.send(context.Background(), reply); err != nil {
			c.logger.Debug("focus confirmation not sent", "error", err)
		}
	case SignalFocusConfirmed:
		if sig.FromTabID != c.tabID {
			return
		}
		c.confirmed.Publish(sig)
	default:
		c.logger.Debug("ignoring tab signal", "type", sig.Type)
	}
}
