package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableforge/server/internal/protocol"
)

func newTestStore(t *testing.T) *FileStore {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_TableRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := map[string]any{"table_id": "t1", "name": "dungeon", "width": float64(10)}
	require.NoError(t, s.SaveTable(ctx, "sess", "t1", doc))

	loaded, err := s.LoadTable(ctx, "sess", "t1")
	require.NoError(t, err)
	assert.Equal(t, "dungeon", loaded["name"])

	ids, err := s.ListTables(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	require.NoError(t, s.DeleteTable(ctx, "sess", "t1"))
	_, err = s.LoadTable(ctx, "sess", "t1")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNotFound, err.(*protocol.WireError).Code)
}

func TestFileStore_SessionsIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTable(ctx, "alpha", "t1", map[string]any{"name": "a"}))

	_, err := s.LoadTable(ctx, "beta", "t1")
	require.Error(t, err, "another session cannot see the table")

	ids, err := s.ListTables(ctx, "beta")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileStore_CharacterSaveBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.Save(ctx, &Character{
		CharacterID: "hero", SessionCode: "sess", OwnerUserID: "alice",
		Data: map[string]any{"hp": float64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Version)

	c, err = s.Save(ctx, &Character{
		CharacterID: "hero", SessionCode: "sess", OwnerUserID: "alice",
		Data: map[string]any{"hp": float64(8)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version, "full save bumps the version")
}

func TestFileStore_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, &Character{
		CharacterID: "hero", SessionCode: "sess",
		Data: map[string]any{"hp": float64(10), "name": "Borin"},
	})
	require.NoError(t, err)

	// Matching expected version succeeds and merges.
	v1 := 1
	c, err := s.CompareAndSwap(ctx, "sess", "hero", map[string]any{"hp": float64(7)}, &v1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
	assert.Equal(t, float64(7), c.Data["hp"])
	assert.Equal(t, "Borin", c.Data["name"], "untouched fields survive the merge")

	// Stale expected version conflicts.
	stale := 1
	_, err = s.CompareAndSwap(ctx, "sess", "hero", map[string]any{"hp": float64(3)}, &stale)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrVersionConflict, err.(*protocol.WireError).Code)

	// Nil expected version is last-writer-wins.
	c, err = s.CompareAndSwap(ctx, "sess", "hero", map[string]any{"hp": float64(3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Version)

	// Unknown character is not_found, not a conflict.
	_, err = s.CompareAndSwap(ctx, "sess", "ghost", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNotFound, err.(*protocol.WireError).Code)
}

func TestFileStore_CharacterListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"zed", "ann"} {
		_, err := s.Save(ctx, &Character{CharacterID: id, SessionCode: "sess", Data: map[string]any{}})
		require.NoError(t, err)
	}

	ids, err := s.List(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "zed"}, ids, "listing is sorted")

	require.NoError(t, s.Delete(ctx, "sess", "ann"))
	err = s.Delete(ctx, "sess", "ann")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNotFound, err.(*protocol.WireError).Code)
}

func TestSanitize_BlocksPathEscape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A hostile session code must stay inside the root.
	require.NoError(t, s.SaveTable(ctx, "../../etc", "t1", map[string]any{"name": "x"}))
	loaded, err := s.LoadTable(ctx, "../../etc", "t1")
	require.NoError(t, err)
	assert.Equal(t, "x", loaded["name"])
}
