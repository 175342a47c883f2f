package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/internal/filter"
)

func TestMatchGroupSortLimit(t *testing.T) {
	docs := []Doc{
		{"_id": "1", "category": "A", "region": "east", "amount": 10.0},
		{"_id": "2", "category": "A", "region": "east", "amount": 5.0},
		{"_id": "3", "category": "A", "region": "west", "amount": 30.0},
		{"_id": "4", "category": "B", "region": "west", "amount": 99.0},
		{"_id": "5", "category": "A", "region": "north", "amount": 1.0},
	}

	pipeline := &Pipeline{Stages: []Stage{
		MatchStage{Filter: filter.Filter{"category": "A"}},
		GroupStage{KeyPath: "region", HasKey: true, Specs: []GroupSpec{
			{OutField: "total", Op: OpSum, ArgPath: "amount"},
		}},
		SortStage{Specs: []SortSpec{{Path: "total", Ascending: false}}},
		LimitStage{N: 3},
	}}

	out, err := pipeline.Run(docs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "west", out[0]["_id"])
	assert.Equal(t, 30.0, out[0]["total"])
	assert.Equal(t, "east", out[1]["_id"])
	assert.Equal(t, 15.0, out[1]["total"])
}

func TestProjectInclusionExclusion(t *testing.T) {
	inc, err := NewProjectStage([]string{"name"}, nil, nil)
	require.NoError(t, err)
	out, err := inc.Apply([]Doc{{"_id": "1", "name": "a", "age": 5.0}})
	require.NoError(t, err)
	assert.Equal(t, Doc{"_id": "1", "name": "a"}, out[0])

	_, err = NewProjectStage([]string{"a"}, []string{"b"}, nil)
	require.Error(t, err)
}

func TestSkipLimit(t *testing.T) {
	docs := make([]Doc, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, Doc{"_id": i})
	}
	out, err := (SkipStage{N: 3}).Apply(docs)
	require.NoError(t, err)
	assert.Len(t, out, 7)

	out, err = (LimitStage{N: 2}).Apply(out)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 3, out[0]["_id"])
}
