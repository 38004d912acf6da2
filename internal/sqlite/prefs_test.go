package sqlite

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/rpggio/parley/internal/repository"
	"github.com/stretchr/testify/require"
)

func TestPrefs_LastSelected(t *testing.T) {
	prefs := NewPrefs(NewTestDB(t), nil)
	ctx := context.Background()

	id, err := prefs.LastSelected(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, prefs.SetLastSelected(ctx, "c1"))
	require.NoError(t, prefs.SetLastSelected(ctx, "c2"))
	id, err = prefs.LastSelected(ctx)
	require.NoError(t, err)
	require.Equal(t, "c2", id)

	require.ErrorIs(t, prefs.SetLastSelected(ctx, ""), repository.ErrInvalidInput)
}

func TestPrefs_PurgedIDs(t *testing.T) {
	prefs := NewPrefs(NewTestDB(t), nil)
	ctx := context.Background()

	ids, err := prefs.PurgedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, prefs.AddPurged(ctx, "m1", "m2"))
	require.NoError(t, prefs.AddPurged(ctx, "m2", "m3", ""))
	require.NoError(t, prefs.AddPurged(ctx))

	ids, err = prefs.PurgedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

func TestPrefs_PurgedIDsBounded(t *testing.T) {
	prefs := NewPrefs(NewTestDB(t), nil)
	ctx := context.Background()

	batch := make([]string, 0, MaxPurged+5)
	for i := range MaxPurged + 5 {
		batch = append(batch, fmt.Sprintf("m%d", i))
	}
	require.NoError(t, prefs.AddPurged(ctx, batch...))

	ids, err := prefs.PurgedIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, MaxPurged)
	require.Equal(t, "m5", ids[0])
}

func TestPrefs_UnreadablePurgedListIsLogged(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, NewKV(db).Put(ctx, PurgedKey, []byte("not json")))

	var buf bytes.Buffer
	prefs := NewPrefs(db, slog.New(slog.NewTextHandler(&buf, nil)))

	ids, err := prefs.PurgedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Contains(t, buf.String(), "discarding unreadable purged message list")

	buf.Reset()
	require.NoError(t, prefs.AddPurged(ctx, "m1"))
	require.Contains(t, buf.String(), "discarding unreadable purged message list")

	ids, err = prefs.PurgedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)
}
