package tabs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/parley/internal/broadcast"
	"github.com/rpggio/parley/internal/clock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	hub      *broadcast.Hub
	registry *MemoryRegistry
	clock    *clock.Fake
}

func newHarness() *harness {
	return &harness{
		hub:      broadcast.NewHub(nil),
		registry: NewMemoryRegistry(),
		clock:    clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) tab(t *testing.T, id string, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithTabID(id), WithClock(h.clock)}, opts...)
	c := NewCoordinator(h.registry, h.hub.Open(Topic), nil, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (h *harness) records(t *testing.T) []Record {
	t.Helper()
	recs, err := h.registry.Load(context.Background())
	require.NoError(t, err)
	return recs
}

func nextSignal(t *testing.T, ch broadcast.Channel) Signal {
	t.Helper()
	select {
	case data := <-ch.Messages():
		var sig Signal
		require.NoError(t, json.Unmarshal(data, &sig))
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
		return Signal{}
	}
}

func TestRegister_FirstTabWritesRecord(t *testing.T) {
	h := newHarness()
	a := h.tab(t, "tab-a")

	res, err := a.Register(context.Background(), "/c/42", "https://app/c/42")
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	require.Equal(t, []Record{{
		TabID:     "tab-a",
		Path:      "/c/42",
		Timestamp: h.clock.Now().UnixMilli(),
		URL:       "https://app/c/42",
	}}, h.records(t))
}

func TestRegister_DuplicateRequestsFocusOfEarlierTab(t *testing.T) {
	h := newHarness()
	spy := h.hub.Open(Topic)
	t.Cleanup(func() { _ = spy.Close() })

	var focused atomic.Int32
	requested := make(chan Signal, 1)
	confirmed := make(chan Signal, 1)

	a := h.tab(t, "tab-a", WithFocuser(FocusFunc(func() error {
		focused.Add(1)
		return nil
	})))
	a.OnFocusRequested(func(s Signal) { requested <- s })

	b := h.tab(t, "tab-b")
	b.OnFocusConfirmed(func(s Signal) { confirmed <- s })

	_, err := a.Register(context.Background(), "/c/42", "u")
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)

	res, err := b.Register(context.Background(), "/c/42", "u")
	require.NoError(t, err)
	require.Equal(t, Result{Duplicate: true, ExistingTabID: "tab-a"}, res)

	sig := nextSignal(t, spy)
	require.Equal(t, Signal{Type: SignalFocusRequest, TabID: "tab-a", FromTabID: "tab-b", Path: "/c/42"}, sig)

	select {
	case s := <-requested:
		require.Equal(t, "tab-b", s.FromTabID)
	case <-time.After(2 * time.Second):
		t.Fatal("focus request not observed")
	}
	select {
	case s := <-confirmed:
		require.Equal(t, SignalFocusConfirmed, s.Type)
		require.Equal(t, "tab-a", s.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("focus confirmation not observed")
	}
	require.Equal(t, int32(1), focused.Load())

	recs := h.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, "tab-a", recs[0].TabID)
}

func TestRegister_DuplicateDropsPreviousPathRecord(t *testing.T) {
	h := newHarness()
	a := h.tab(t, "tab-a")
	b := h.tab(t, "tab-b")
	c := h.tab(t, "tab-c")
	ctx := context.Background()

	_, err := a.Register(ctx, "/c/42", "u")
	require.NoError(t, err)
	_, err = b.Register(ctx, "/c/1", "u")
	require.NoError(t, err)

	res, err := b.Register(ctx, "/c/42", "u")
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	recs := h.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, "tab-a", recs[0].TabID)

	res, err = c.Register(ctx, "/c/1", "u")
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestRegister_PicksEarliestLiveDuplicate(t *testing.T) {
	h := newHarness()
	now := h.clock.Now().UnixMilli()
	require.NoError(t, h.registry.Update(context.Background(), func([]Record) ([]Record, error) {
		return []Record{
			{TabID: "later", Path: "/p", Timestamp: now - 1000},
			{TabID: "earlier", Path: "/p", Timestamp: now - 2000},
			{TabID: "stale", Path: "/p", Timestamp: now - TTL.Milliseconds()},
		}, nil
	}))

	c := h.tab(t, "me")
	res, err := c.Register(context.Background(), "/p", "")
	require.NoError(t, err)
	require.Equal(t, "earlier", res.ExistingTabID)

	// The stale record is pruned while the duplicate check runs.
	require.Len(t, h.records(t), 2)
}

func TestRegister_StaleRecordIsNotADuplicate(t *testing.T) {
	h := newHarness()
	now := h.clock.Now().UnixMilli()
	require.NoError(t, h.registry.Update(context.Background(), func([]Record) ([]Record, error) {
		return []Record{{TabID: "gone", Path: "/p", Timestamp: now - TTL.Milliseconds() - 1}}, nil
	}))

	c := h.tab(t, "me")
	res, err := c.Register(context.Background(), "/p", "")
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	recs := h.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, "me", recs[0].TabID)
}

func TestRegister_SameTabReplacesItsRecord(t *testing.T) {
	h := newHarness()
	c := h.tab(t, "me")
	_, err := c.Register(context.Background(), "/a", "")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	res, err := c.Register(context.Background(), "/a", "")
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Len(t, h.records(t), 1)
}

func TestClaim_WritesRecordDespiteDuplicate(t *testing.T) {
	h := newHarness()
	a := h.tab(t, "tab-a")
	b := h.tab(t, "tab-b")

	_, err := a.Register(context.Background(), "/x", "")
	require.NoError(t, err)
	res, err := b.Register(context.Background(), "/x", "")
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	require.NoError(t, b.Claim(context.Background()))
	require.Len(t, h.records(t), 2)
}

func TestNavigate_RefreshesRecord(t *testing.T) {
	h := newHarness()
	c := h.tab(t, "me")
	_, err := c.Register(context.Background(), "/a", "https://app/a")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Second)
	require.NoError(t, c.Navigate(context.Background(), "/b", "https://app/b"))

	require.Equal(t, []Record{{
		TabID:     "me",
		Path:      "/b",
		Timestamp: h.clock.Now().UnixMilli(),
		URL:       "https://app/b",
	}}, h.records(t))
}

func TestKeepaliveKeepsRecordAlive(t *testing.T) {
	h := newHarness()
	c := h.tab(t, "me")
	_, err := c.Register(context.Background(), "/a", "")
	require.NoError(t, err)

	h.clock.Advance(45 * time.Second)
	recs := h.records(t)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Alive(h.clock.Now()))
	require.Equal(t, h.clock.Now().Add(-5*time.Second).UnixMilli(), recs[0].Timestamp)
}

func TestClose_RemovesRecord(t *testing.T) {
	h := newHarness()
	a := h.tab(t, "tab-a")
	b := h.tab(t, "tab-b")
	_, err := a.Register(context.Background(), "/a", "")
	require.NoError(t, err)
	_, err = b.Register(context.Background(), "/b", "")
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	recs := h.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, "tab-b", recs[0].TabID)

	_, err = a.Register(context.Background(), "/a", "")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Navigate(context.Background(), "/a", ""), ErrClosed)

	// No keepalive survives close.
	h.clock.Advance(time.Minute)
	require.Len(t, h.records(t), 1)
}

func TestMalformedSignalIgnored(t *testing.T) {
	h := newHarness()
	spy := h.hub.Open(Topic)
	t.Cleanup(func() { _ = spy.Close() })

	requested := make(chan Signal, 1)
	a := h.tab(t, "tab-a")
	a.OnFocusRequested(func(s Signal) { requested <- s })

	require.NoError(t, spy.Publish(context.Background(), []byte("{oops")))
	data, err := json.Marshal(Signal{Type: SignalFocusRequest, TabID: "tab-a", FromTabID: "spy"})
	require.NoError(t, err)
	require.NoError(t, spy.Publish(context.Background(), data))

	select {
	case s := <-requested:
		require.Equal(t, "spy", s.FromTabID)
	case <-time.After(2 * time.Second):
		t.Fatal("listener stopped after malformed signal")
	}
}

func TestPruneAndUpsert(t *testing.T) {
	now := time.UnixMilli(100_000)
	recs := []Record{
		{TabID: "a", Timestamp: 70_001},
		{TabID: "b", Timestamp: 70_000},
	}
	require.Equal(t, []Record{{TabID: "a", Timestamp: 70_001}}, Prune(recs, now))

	out := Upsert(recs, Record{TabID: "a", Path: "/new", Timestamp: 99_000})
	require.Equal(t, []Record{
		{TabID: "b", Timestamp: 70_000},
		{TabID: "a", Path: "/new", Timestamp: 99_000},
	}, out)
	require.Equal(t, "a", recs[0].TabID)
	require.Equal(t, []Record{{TabID: "b", Timestamp: 70_000}}, Without(recs, "a"))
}
