package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/model"
	"github.com/cuemby/docstore/internal/store"
)

func TestRunFilterSortSkipLimit(t *testing.T) {
	s := store.New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })

	for age := 1; age <= 100; age++ {
		id := fmt.Sprintf("doc%03d", age)
		_, err := s.Insert("people", &model.Document{ID: id, Data: map[string]interface{}{"age": float64(age)}})
		require.NoError(t, err)
	}

	exec := &Executor{Store: s}
	res, err := exec.Run(context.Background(), Query{
		Collection: "people",
		Filter:     filter.Filter{"age": map[string]interface{}{"$gte": float64(50)}},
		Sort:       []aggregate.SortSpec{{Path: "age", Ascending: true}},
		Skip:       10,
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, res.Documents, 5)

	var ages []float64
	for _, d := range res.Documents {
		ages = append(ages, d["age"].(float64))
	}
	assert.Equal(t, []float64{60, 61, 62, 63, 64}, ages)
}

func TestCountAndExists(t *testing.T) {
	s := store.New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	_, err := s.Insert("c", &model.Document{ID: "a", Data: map[string]interface{}{"x": float64(1)}})
	require.NoError(t, err)
	_, err = s.Insert("c", &model.Document{ID: "b", Data: map[string]interface{}{"x": float64(2)}})
	require.NoError(t, err)

	exec := &Executor{Store: s}
	count, err := exec.Count(context.Background(), "c", filter.Filter{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	exists, err := exec.Exists(context.Background(), "c", filter.Filter{"x": float64(2)})
	require.NoError(t, err)
	assert.True(t, exists)
}
