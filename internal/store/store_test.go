package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesync/internal/config"
	"livesync/internal/protocol"
)

func rec(id string, version int64, value any) protocol.Record {
	return protocol.Record{ID: id, CreatedAt: 1, UpdatedAt: version, Fields: map[string]any{"value": value}}
}

func ptr(v int64) *int64 { return &v }

func openStore(t *testing.T, driver string, prefetch ...string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "livesync.db")
	s := New(config.StoreConfig{Driver: driver, Path: path}, prefetch)
	require.NoError(t, s.Load(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_LoadRegistersPrefetchPartitions(t *testing.T) {
	s, _ := openStore(t, config.DriverModernc, "kv", "notes", "kv")
	require.True(t, s.IsSupported())

	names, err := s.Collections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"kv", "notes"}, names)

	// Load is idempotent.
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.IsSupported())
}

func TestStore_SetItemsVersionGuard(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, config.DriverModernc)

	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 2, "two"), rec("b", 5, "five")}, nil, nil))

	t.Run("older record is skipped", func(t *testing.T) {
		require.NoError(t, s.SetItem(ctx, "kv", rec("a", 1, "one")))
		got, err := s.ReadCollection(ctx, "kv")
		require.NoError(t, err)
		assert.Equal(t, "two", got["a"].Fields["value"])
	})

	t.Run("equal version keeps the stored record", func(t *testing.T) {
		require.NoError(t, s.SetItem(ctx, "kv", rec("a", 2, "other")))
		got, err := s.ReadCollection(ctx, "kv")
		require.NoError(t, err)
		assert.Equal(t, "two", got["a"].Fields["value"])
	})

	t.Run("newer record replaces", func(t *testing.T) {
		require.NoError(t, s.SetItem(ctx, "kv", rec("a", 3, "three")))
		got, err := s.ReadCollection(ctx, "kv")
		require.NoError(t, err)
		assert.Equal(t, "three", got["a"].Fields["value"])
		assert.Equal(t, int64(3), got["a"].UpdatedAt)
	})

	t.Run("removal older than stored record is skipped", func(t *testing.T) {
		require.NoError(t, s.DeleteItem(ctx, "kv", "b", 4))
		got, err := s.ReadCollection(ctx, "kv")
		require.NoError(t, err)
		assert.Contains(t, got, "b")
	})

	t.Run("removal at the stored version deletes", func(t *testing.T) {
		require.NoError(t, s.DeleteItem(ctx, "kv", "b", 5))
		got, err := s.ReadCollection(ctx, "kv")
		require.NoError(t, err)
		assert.NotContains(t, got, "b")
	})

	t.Run("removal of an unknown id is harmless", func(t *testing.T) {
		assert.NoError(t, s.DeleteItem(ctx, "kv", "zzz", 9))
	})
}

func TestStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, config.DriverModernc)

	versions, err := s.FetchCollectionVersions(ctx)
	require.NoError(t, err)
	assert.Nil(t, versions)

	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 1, "x")}, nil, ptr(1)))
	require.NoError(t, s.SetItems(ctx, "notes", nil, map[string]int64{"n": 4}, ptr(4)))
	// A batch without a checkpoint leaves it alone.
	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("b", 9, "y")}, nil, nil))

	versions, err = s.FetchCollectionVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"kv": 1, "notes": 4}, versions)

	require.NoError(t, s.SetItems(ctx, "kv", nil, nil, ptr(7)))
	versions, err = s.FetchCollectionVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), versions["kv"])
}

func TestStore_RemoveCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, config.DriverModernc, "kv")

	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 1, "x")}, nil, ptr(1)))
	require.NoError(t, s.SetItems(ctx, "notes", []protocol.Record{rec("n", 1, "y")}, nil, ptr(2)))

	require.NoError(t, s.RemoveCollection(ctx, "kv"))

	got, err := s.ReadCollection(ctx, "kv")
	require.NoError(t, err)
	assert.Empty(t, got)

	versions, err := s.FetchCollectionVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"notes": 2}, versions)

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, names)

	assert.NoError(t, s.RemoveCollection(ctx, "never-existed"))
}

func TestStore_ReadCollectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t, config.DriverModernc)

	var withNull protocol.Record
	require.NoError(t, protocol.Unmarshal([]byte(`{"id":"a","created_at":1,"updated_at":2,"value":"x","gone":null,"n":12345678901234567}`), &withNull))
	require.NoError(t, s.SetItem(ctx, "kv", withNull))

	empty, err := s.ReadCollection(ctx, "unknown")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	require.NoError(t, s.Close())

	// Records survive a restart.
	reopened := New(config.StoreConfig{Path: path}, nil)
	require.NoError(t, reopened.Load(ctx))
	defer reopened.Close()

	got, err := reopened.ReadCollection(ctx, "kv")
	require.NoError(t, err)
	if diff := cmp.Diff(map[string]protocol.Record{"a": withNull}, got); diff != "" {
		t.Errorf("ReadCollection mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_PrefetchCollections(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, config.DriverModernc, "kv")

	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 1, "x"), rec("b", 2, "y")}, nil, nil))

	got, err := s.PrefetchCollections(ctx, []string{"kv", "notes", "kv"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got["kv"], 2)
	assert.Empty(t, got["notes"])
}

func TestStore_DegradedMode(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	cases := map[string]config.StoreConfig{
		"disabled":        {Path: filepath.Join(t.TempDir(), "x.db"), Disabled: true},
		"empty path":      {},
		"unwritable path": {Path: filepath.Join(blocker, "sub", "x.db")},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(cfg, []string{"kv"})
			require.NoError(t, s.Load(ctx))
			assert.False(t, s.IsSupported())

			assert.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 1, "x")}, nil, ptr(1)))
			assert.NoError(t, s.SetItem(ctx, "kv", rec("a", 2, "y")))
			assert.NoError(t, s.DeleteItem(ctx, "kv", "a", 3))
			assert.NoError(t, s.RemoveCollection(ctx, "kv"))

			versions, err := s.FetchCollectionVersions(ctx)
			assert.NoError(t, err)
			assert.Nil(t, versions)

			got, err := s.ReadCollection(ctx, "kv")
			assert.NoError(t, err)
			assert.Empty(t, got)

			all, err := s.PrefetchCollections(ctx, []string{"kv"})
			assert.NoError(t, err)
			assert.Empty(t, all["kv"])

			assert.NoError(t, s.Close())
		})
	}
}

func TestStore_LoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "x.db")}, nil)
	assert.ErrorIs(t, s.Load(ctx), context.Canceled)
	assert.False(t, s.IsSupported())

	require.NoError(t, s.Load(context.Background()), "a cancelled Load can be retried")
	defer s.Close()
	assert.True(t, s.IsSupported())
}

func TestStore_MattnDriver(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, config.DriverMattn, "kv")
	if !s.IsSupported() {
		t.Skip("sqlite3 driver unavailable in this build (cgo disabled)")
	}

	require.NoError(t, s.SetItems(ctx, "kv", []protocol.Record{rec("a", 2, "x")}, nil, ptr(2)))
	require.NoError(t, s.SetItem(ctx, "kv", rec("a", 2, "tie")))

	got, err := s.ReadCollection(ctx, "kv")
	require.NoError(t, err)
	assert.Equal(t, "x", got["a"].Fields["value"])

	versions, err := s.FetchCollectionVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"kv": 2}, versions)
}
