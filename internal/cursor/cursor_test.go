package cursor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/model"
	"github.com/cuemby/docstore/internal/query"
	"github.com/cuemby/docstore/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	s := store.New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	exec := &query.Executor{Store: s}
	m := NewManager(exec, nil)
	t.Cleanup(m.Stop)
	return m, s
}

func seedDocs(t *testing.T, s *store.Store, collection string, n int) {
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("doc%03d", i)
		_, err := s.Insert(collection, &model.Document{ID: id, Data: map[string]interface{}{"n": float64(i)}})
		require.NoError(t, err)
	}
}

func TestCreateAndIterateDisjointBatches(t *testing.T) {
	m, s := newTestManager(t)
	seedDocs(t, s, "c", 25)

	c, first, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 10, TimeoutMinutes: 1})
	require.NoError(t, err)
	require.Len(t, first, 10)

	seen := map[string]bool{}
	for _, d := range first {
		seen[fmt.Sprint(d["_id"])] = true
	}

	batch2, hasMore, _, err := m.Next(c.ID, 10)
	require.NoError(t, err)
	require.Len(t, batch2, 10)
	assert.True(t, hasMore)
	for _, d := range batch2 {
		id := fmt.Sprint(d["_id"])
		assert.False(t, seen[id], "batch overlap on %s", id)
		seen[id] = true
	}

	batch3, hasMore, _, err := m.Next(c.ID, 10)
	require.NoError(t, err)
	require.Len(t, batch3, 5)
	assert.False(t, hasMore)
	for _, d := range batch3 {
		id := fmt.Sprint(d["_id"])
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, 25)
}

func TestInvalidBatchSizeRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 0, TimeoutMinutes: 1})
	require.Error(t, err)
	_, _, err = m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 20000, TimeoutMinutes: 1})
	require.Error(t, err)
}

func TestInvalidTimeoutRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 10, TimeoutMinutes: 0})
	require.Error(t, err)
	_, _, err = m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 10, TimeoutMinutes: 120})
	require.Error(t, err)
}

func TestNextOnUnknownCursor(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, _, err := m.Next("nope", 10)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	m, s := newTestManager(t)
	seedDocs(t, s, "c", 5)
	c, _, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 5, TimeoutMinutes: 1})
	require.NoError(t, err)

	assert.True(t, m.Close(c.ID))
	assert.False(t, m.Close(c.ID))

	_, _, _, err = m.Next(c.ID, 1)
	require.Error(t, err)
}

func TestResumeTokenContinuesIteration(t *testing.T) {
	m, s := newTestManager(t)
	seedDocs(t, s, "c", 10)

	f := filter.Filter{}
	c, first, err := m.Create(context.Background(), "c", f, nil, Options{BatchSize: 4, TimeoutMinutes: 1})
	require.NoError(t, err)
	require.Len(t, first, 4)

	_, _, _, err = m.Next(c.ID, 4)
	require.NoError(t, err)

	token, err := m.ResumeToken(c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resumed, rest, err := m.Create(context.Background(), "c", f, nil, Options{BatchSize: 100, TimeoutMinutes: 1, ResumeToken: token})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.NotEqual(t, c.ID, resumed.ID)
}

func TestResumeTokenMismatchRejected(t *testing.T) {
	m, s := newTestManager(t)
	seedDocs(t, s, "c", 10)

	c, _, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 4, TimeoutMinutes: 1})
	require.NoError(t, err)
	token, err := m.ResumeToken(c.ID)
	require.NoError(t, err)

	_, _, err = m.Create(context.Background(), "c", filter.Filter{"n": float64(1)}, nil, Options{BatchSize: 4, TimeoutMinutes: 1, ResumeToken: token})
	require.Error(t, err)
}

func TestStatsReflectCreatedAndClosed(t *testing.T) {
	m, s := newTestManager(t)
	seedDocs(t, s, "c", 3)
	c, _, err := m.Create(context.Background(), "c", filter.Filter{}, nil, Options{BatchSize: 3, TimeoutMinutes: 1})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, uint64(1), stats.Created)

	m.Close(c.ID)
	stats = m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(1), stats.Closed)
}
