package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/parley/internal/broadcast"
	"github.com/stretchr/testify/require"
)

func openTestBroadcast(t *testing.T, db *DB, topic string) *Broadcast {
	t.Helper()
	b, err := OpenBroadcast(context.Background(), db, topic, 5*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recv(t *testing.T, ch broadcast.Channel) []byte {
	t.Helper()
	select {
	case msg := <-ch.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
		return nil
	}
}

func TestBroadcast_DeliversToOtherEndpoints(t *testing.T) {
	db := NewTestDB(t)
	a := openTestBroadcast(t, db, "tabs")
	b := openTestBroadcast(t, db, "tabs")
	other := openTestBroadcast(t, db, "elsewhere")

	require.NoError(t, a.Publish(context.Background(), []byte("one")))
	require.NoError(t, a.Publish(context.Background(), []byte("two")))

	require.Equal(t, []byte("one"), recv(t, b))
	require.Equal(t, []byte("two"), recv(t, b))

	time.Sleep(30 * time.Millisecond)
	select {
	case msg := <-a.Messages():
		t.Fatalf("sender received its own message %q", msg)
	case msg := <-other.Messages():
		t.Fatalf("other topic received %q", msg)
	default:
	}
}

func TestBroadcast_SkipsHistoryBeforeOpen(t *testing.T) {
	db := NewTestDB(t)
	a := openTestBroadcast(t, db, "tabs")
	require.NoError(t, a.Publish(context.Background(), []byte("old")))

	b := openTestBroadcast(t, db, "tabs")
	require.NoError(t, a.Publish(context.Background(), []byte("new")))
	require.Equal(t, []byte("new"), recv(t, b))
}

func TestBroadcast_Close(t *testing.T) {
	db := NewTestDB(t)
	b, err := OpenBroadcast(context.Background(), db, "tabs", 5*time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, ok := <-b.Messages()
	require.False(t, ok)
	require.ErrorIs(t, b.Publish(context.Background(), []byte("x")), broadcast.ErrClosed)
}
