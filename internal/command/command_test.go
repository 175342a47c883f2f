package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/query"
	"github.com/cuemby/docstore/internal/store"
)

func newTestHandler(t *testing.T) *Handler {
	s := store.New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	return New(s, &query.Executor{Store: s})
}

func TestSetInsertsThenUpdates(t *testing.T) {
	h := newTestHandler(t)

	res, err := h.Set("c", map[string]interface{}{"_id": "k", "n": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, true, res["stored"])
	assert.Equal(t, "k", res["id"])

	got, err := h.Get("c", "k")
	require.NoError(t, err)
	assert.Equal(t, true, got["found"])
	value := got["value"].(map[string]interface{})
	assert.Equal(t, float64(1), value["n"])

	_, err = h.Set("c", map[string]interface{}{"_id": "k", "n": float64(2)})
	require.NoError(t, err)

	got, err = h.Get("c", "k")
	require.NoError(t, err)
	value = got["value"].(map[string]interface{})
	assert.Equal(t, float64(2), value["n"])
}

func TestSetGeneratesIDWhenAbsent(t *testing.T) {
	h := newTestHandler(t)
	res, err := h.Set("c", map[string]interface{}{"n": float64(1)})
	require.NoError(t, err)
	id, ok := res["id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestDeleteThenExists(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Set("c", map[string]interface{}{"_id": "k"})
	require.NoError(t, err)

	del, err := h.Delete("c", "k")
	require.NoError(t, err)
	assert.Equal(t, true, del["deleted"])

	ex, err := h.Exists("c", "k")
	require.NoError(t, err)
	assert.Equal(t, false, ex["exists"])
}

func TestCountAcrossCollections(t *testing.T) {
	h := newTestHandler(t)
	_, _ = h.Set("a", map[string]interface{}{"_id": "1"})
	_, _ = h.Set("b", map[string]interface{}{"_id": "2"})

	res, err := h.Count("")
	require.NoError(t, err)
	assert.Equal(t, 2, res["count"])
}

func TestListCollections(t *testing.T) {
	h := newTestHandler(t)
	_, _ = h.Set("a", map[string]interface{}{"_id": "1"})
	res, err := h.ListCollections()
	require.NoError(t, err)
	assert.Contains(t, res["collections"], "a")
}

func TestQueryThroughHandler(t *testing.T) {
	h := newTestHandler(t)
	for i := 1; i <= 5; i++ {
		_, _ = h.Set("c", map[string]interface{}{"_id": idOf(i), "n": float64(i)})
	}
	out, err := h.Query(context.Background(), query.Query{
		Collection: "c",
		Filter:     filter.Filter{"n": map[string]interface{}{"$gte": float64(3)}},
		Sort:       []aggregate.SortSpec{{Path: "n", Ascending: true}},
		Limit:      -1,
	})
	require.NoError(t, err)
	docs := out["documents"].([]aggregate.Doc)
	assert.Len(t, docs, 3)
}

func TestAggregateThroughHandler(t *testing.T) {
	h := newTestHandler(t)
	_, _ = h.Set("sales", map[string]interface{}{"_id": "s1", "category": "A", "amount": float64(10)})
	_, _ = h.Set("sales", map[string]interface{}{"_id": "s2", "category": "A", "amount": float64(30)})
	_, _ = h.Set("sales", map[string]interface{}{"_id": "s3", "category": "B", "amount": float64(100)})

	pipeline := aggregate.Pipeline{Stages: []aggregate.Stage{
		aggregate.MatchStage{Filter: filter.Filter{"category": "A"}},
		aggregate.GroupStage{Specs: []aggregate.GroupSpec{{OutField: "total", Op: aggregate.OpSum, ArgPath: "amount"}}},
	}}
	out, err := h.Aggregate("sales", pipeline)
	require.NoError(t, err)
	docs := out["documents"].([]aggregate.Doc)
	require.Len(t, docs, 1)
	assert.Equal(t, 40.0, docs[0]["total"])
}

func TestCreateIndexBuildsFromExistingDocuments(t *testing.T) {
	s := store.New(t.TempDir(), store.WithIndexes(index.NewManager(nil)))
	t.Cleanup(func() { _ = s.Close() })
	h := New(s, &query.Executor{Store: s})

	_, err := h.Set("widgets", map[string]interface{}{"_id": "w1", "color": "red"})
	require.NoError(t, err)

	res, err := h.CreateIndex("widgets", "color", "string", false)
	require.NoError(t, err)
	assert.Equal(t, true, res["created"])
	assert.Equal(t, "widgets.color", res["name"])
}

func TestCreateIndexFailsWithoutIndexManager(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.CreateIndex("widgets", "color", "string", false)
	require.Error(t, err)
}

func TestBatchStopsOnErrorWhenRequested(t *testing.T) {
	h := newTestHandler(t)
	req := BatchRequest{
		Collection:  "c",
		StopOnError: true,
		Operations: []Operation{
			{OperationType: OpInsert, DocumentID: "a"},
			{OperationType: OpUpdate, DocumentID: "missing"},
			{OperationType: OpInsert, DocumentID: "b"},
		},
	}
	result, err := h.Batch(req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.InsertedCount)

	exists, _ := h.Exists("c", "b")
	assert.Equal(t, false, exists["exists"])
}

func TestBatchContinuesWithoutStopOnError(t *testing.T) {
	h := newTestHandler(t)
	req := BatchRequest{
		Collection: "c",
		Operations: []Operation{
			{OperationType: OpInsert, DocumentID: "a"},
			{OperationType: OpUpdate, DocumentID: "missing"},
			{OperationType: OpInsert, DocumentID: "b"},
		},
	}
	result, err := h.Batch(req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.TotalProcessed)
	assert.Equal(t, 2, result.InsertedCount)
}

func idOf(i int) string {
	return string(rune('a' + i))
}
