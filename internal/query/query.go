// Package query implements the query executor: candidate acquisition via
// index or full scan, filter, sort, paginate, and project.
package query

import (
	"context"
	"time"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/model"
	"github.com/cuemby/docstore/internal/store"
)

// Query describes one planned read.
type Query struct {
	Collection        string
	Filter            filter.Filter
	Sort              []aggregate.SortSpec
	Skip              int
	Limit             int // negative means "no limit"
	IncludeTotalCount bool
	TimeoutMs         int
	Projection        *aggregate.ProjectStage
}

// Result is what the executor returns to a command handler.
type Result struct {
	Documents       []aggregate.Doc
	TotalCount      *int
	Skipped         int
	ExecutionTimeMs int64
}

// PlanStep names one stage an explain() call reports.
type PlanStep struct {
	Stage     string
	IndexName string
}

// Executor plans and runs queries against a store, consulting declared
// indexes to avoid full collection scans where possible.
type Executor struct {
	Store   *store.Store
	Indexes *index.Manager
}

// Run executes the full pipeline described in the spec: candidate
// acquisition, load, filter, snapshot total, sort, skip+limit, project.
func (e *Executor) Run(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, q.TimeoutMs)
	defer cancel()

	docs, _, err := e.candidates(ctx, q)
	if err != nil {
		return Result{}, err
	}

	matched, err := e.filterDocs(ctx, docs, q.Filter)
	if err != nil {
		return Result{}, err
	}

	var totalCount *int
	if q.IncludeTotalCount {
		n := len(matched)
		totalCount = &n
	}

	views := toViews(matched)
	if len(q.Sort) > 0 {
		views, err = (aggregate.SortStage{Specs: q.Sort}).Apply(views)
		if err != nil {
			return Result{}, err
		}
	}

	skipped := q.Skip
	views, err = (aggregate.SkipStage{N: q.Skip}).Apply(views)
	if err != nil {
		return Result{}, err
	}
	views, err = (aggregate.LimitStage{N: q.Limit}).Apply(views)
	if err != nil {
		return Result{}, err
	}

	if q.Projection != nil {
		views, err = q.Projection.Apply(views)
		if err != nil {
			return Result{}, err
		}
	}

	return Result{
		Documents:       views,
		TotalCount:      totalCount,
		Skipped:         skipped,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Count performs candidate acquisition, load, and filter, returning the
// length of the match set.
func (e *Executor) Count(ctx context.Context, collection string, f filter.Filter) (int, error) {
	docs, _, err := e.candidates(ctx, Query{Collection: collection, Filter: f})
	if err != nil {
		return 0, err
	}
	matched, err := e.filterDocs(ctx, docs, f)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Exists short-circuits on the first matching document.
func (e *Executor) Exists(ctx context.Context, collection string, f filter.Filter) (bool, error) {
	docs, _, err := e.candidates(ctx, Query{Collection: collection, Filter: f})
	if err != nil {
		return false, err
	}
	for _, d := range docs {
		select {
		case <-ctx.Done():
			return false, dberr.New(dberr.QueryTimeout, "query timed out")
		default:
		}
		ok, err := filter.Matches(f, d.Data)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Explain returns the plan a call to Run would follow, without running
// the filter/sort/project stages.
func (e *Executor) Explain(q Query) []PlanStep {
	steps := []PlanStep{}
	if idxName, ok := e.indexCandidateName(q); ok {
		steps = append(steps, PlanStep{Stage: "IndexScan", IndexName: idxName})
	} else {
		steps = append(steps, PlanStep{Stage: "CollectionScan"})
	}
	if len(q.Filter) > 0 {
		steps = append(steps, PlanStep{Stage: "Filter"})
	}
	if len(q.Sort) > 0 {
		steps = append(steps, PlanStep{Stage: "Sort"})
	}
	if q.Skip > 0 {
		steps = append(steps, PlanStep{Stage: "Skip"})
	}
	if q.Limit >= 0 {
		steps = append(steps, PlanStep{Stage: "Limit"})
	}
	return steps
}

// candidates implements step 1+2: use a matching index for a top-level
// equality condition when one is declared, otherwise scan the whole
// collection; then load the candidate documents via the store.
func (e *Executor) candidates(ctx context.Context, q Query) ([]*model.Document, bool, error) {
	if _, ok := e.indexCandidateName(q); ok {
		field, value := topLevelEquality(q.Filter)
		idx, _ := e.Indexes.Get(q.Collection, field)
		key, ok := index.ExtractKey(value)
		if ok {
			ids := idx.Lookup(key)
			docs := make([]*model.Document, 0, len(ids))
			for _, id := range ids {
				doc, found, err := e.Store.Get(q.Collection, id)
				if err != nil {
					return nil, false, err
				}
				if found {
					docs = append(docs, doc)
				}
			}
			return docs, true, nil
		}
	}
	docs, err := e.Store.GetAll(q.Collection)
	if err != nil {
		return nil, false, err
	}
	return docs, false, nil
}

// indexCandidateName reports the index name usable for q's filter, if any
// top-level equality condition matches a declared index.
func (e *Executor) indexCandidateName(q Query) (string, bool) {
	if e.Indexes == nil {
		return "", false
	}
	field, _ := topLevelEquality(q.Filter)
	if field == "" {
		return "", false
	}
	idx, ok := e.Indexes.Get(q.Collection, field)
	if !ok {
		return "", false
	}
	return idx.Name(), true
}

// topLevelEquality extracts a single (field, value) equality condition
// from a filter, recognizing both `field: value` and `field: {$eq: value}`
// shapes. Only the first such condition found is used.
func topLevelEquality(f filter.Filter) (string, interface{}) {
	for k, v := range f {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			if eq, has := m["$eq"]; has {
				return k, eq
			}
			continue
		}
		return k, v
	}
	return "", nil
}

func (e *Executor) filterDocs(ctx context.Context, docs []*model.Document, f filter.Filter) ([]*model.Document, error) {
	out := make([]*model.Document, 0, len(docs))
	for _, d := range docs {
		select {
		case <-ctx.Done():
			return nil, dberr.New(dberr.QueryTimeout, "query timed out")
		default:
		}
		ok, err := filter.Matches(f, d.Data)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func toViews(docs []*model.Document) []aggregate.Doc {
	out := make([]aggregate.Doc, len(docs))
	for i, d := range docs {
		out[i] = aggregate.Doc(d.View())
	}
	return out
}

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}
