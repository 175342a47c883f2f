package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/internal/cache"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/model"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	s := New(dir)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGetDelete(t *testing.T) {
	s := newTestStore(t)
	doc := &model.Document{ID: "k", Data: map[string]interface{}{"n": 1.0}}

	inserted, err := s.Insert("c", doc)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), inserted.Version)

	got, ok, err := s.Get("c", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Data["n"])

	deleted, err := s.Delete("c", "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = s.Get("c", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateInsertFails(t *testing.T) {
	s := newTestStore(t)
	doc := &model.Document{ID: "k", Data: map[string]interface{}{}}
	_, err := s.Insert("c", doc)
	require.NoError(t, err)
	_, err = s.Insert("c", doc)
	require.Error(t, err)
}

func TestUpdateVersioning(t *testing.T) {
	s := newTestStore(t)
	doc := &model.Document{ID: "k", Data: map[string]interface{}{"n": 1.0}}
	first, err := s.Insert("c", doc)
	require.NoError(t, err)

	doc.Data["n"] = 2.0
	second, err := s.Update("c", doc)
	require.NoError(t, err)

	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, !second.UpdatedAt.Before(first.UpdatedAt))
}

func TestUpdateMissingFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update("c", &model.Document{ID: "missing", Data: map[string]interface{}{}})
	require.Error(t, err)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	doc := &model.Document{ID: "k", Data: map[string]interface{}{"n": 1.0}}
	_, err := s.Insert("c", doc)
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	s2 := New(dir)
	defer s2.Close()
	require.NoError(t, s2.Initialize())

	got, ok, err := s2.Get("c", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Data["n"])
}

func TestIdempotentInitialize(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	doc := &model.Document{ID: "k", Data: map[string]interface{}{}}
	_, err := s.Insert("c", doc)
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))

	require.NoError(t, s.Initialize())
	require.NoError(t, s.Initialize())

	count, err := s.Count("c")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInvalidCollectionName(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Get("../escape", "id")
	require.Error(t, err)
}

func TestInvalidDocumentID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("c", &model.Document{ID: "../escape", Data: map[string]interface{}{}})
	require.Error(t, err)
}

func TestClearAndDropCollection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("c", &model.Document{ID: "k", Data: map[string]interface{}{}})
	require.NoError(t, err)

	require.NoError(t, s.ClearCollection("c"))
	count, _ := s.Count("c")
	assert.Equal(t, 0, count)

	require.NoError(t, s.DropCollection("c"))
	assert.NotContains(t, s.ListCollections(), "c")
}

func TestCacheServesReadThroughAndInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(cache.Config{MaxItems: 100, MaxBytes: 1 << 20, DefaultTTL: time.Minute}, nil)
	defer c.Close()
	s := New(dir, WithCache(c))
	t.Cleanup(func() { _ = s.Close() })

	doc := &model.Document{ID: "k", Data: map[string]interface{}{"n": 1.0}}
	_, err := s.Insert("c", doc)
	require.NoError(t, err)

	_, ok, err := c.Get("c/k")
	require.NoError(t, err)
	assert.True(t, ok, "insert should populate the cache")

	got, ok, err := s.Get("c", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Data["n"])
	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)

	doc.Data["n"] = 2.0
	_, err = s.Update("c", doc)
	require.NoError(t, err)
	cached, ok, err := c.Get("c/k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, cached.(*model.Document).Data["n"])

	_, err = s.Delete("c", "k")
	require.NoError(t, err)
	_, ok, err = c.Get("c/k")
	require.NoError(t, err)
	assert.False(t, ok, "delete should invalidate the cache entry")
}

func TestIndexMaintainedAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := index.OpenCheckpointStore(dir)
	require.NoError(t, err)
	defer checkpoint.Close()
	mgr := index.NewManager(checkpoint)
	s := New(dir, WithIndexes(mgr))
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DeclareIndex("widgets", "color", index.KeyString, false)
	require.NoError(t, err)
	idx, ok := mgr.Get("widgets", "color")
	require.True(t, ok)

	_, err = s.Insert("widgets", &model.Document{ID: "w1", Data: map[string]interface{}{"color": "red"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, idx.Lookup(index.StringKey("red")))

	_, err = s.Update("widgets", &model.Document{ID: "w1", Data: map[string]interface{}{"color": "blue"}})
	require.NoError(t, err)
	assert.Empty(t, idx.Lookup(index.StringKey("red")))
	assert.Equal(t, []string{"w1"}, idx.Lookup(index.StringKey("blue")))

	_, err = s.Delete("widgets", "w1")
	require.NoError(t, err)
	assert.Empty(t, idx.Lookup(index.StringKey("blue")))
}

func TestFlushTimesOut(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	s.pendingWrites.Add(1)
	defer s.pendingWrites.Add(-1)
	err := s.Flush(ctx)
	require.Error(t, err)
}
