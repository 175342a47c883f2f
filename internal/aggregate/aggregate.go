// Package aggregate implements the aggregation pipeline: an ordered
// sequence of stages, each a pure function from a document stream to a
// document stream, executed eagerly.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/filter"
)

// Doc is the flattened document representation the pipeline operates on
// (the same shape command responses use: fields plus "_id").
type Doc map[string]interface{}

// Stage transforms a document stream.
type Stage interface {
	Apply(docs []Doc) ([]Doc, error)
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	Stages []Stage
}

// Run executes every stage in order, materializing each stage's output.
func (p *Pipeline) Run(docs []Doc) ([]Doc, error) {
	cur := docs
	for _, stage := range p.Stages {
		out, err := stage.Apply(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

// MatchStage applies the filter engine.
type MatchStage struct {
	Filter filter.Filter
}

func (s MatchStage) Apply(docs []Doc) ([]Doc, error) {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		ok, err := filter.Matches(s.Filter, d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// SortSpec is one (path, ascending) pair.
type SortSpec struct {
	Path      string
	Ascending bool
}

// SortStage performs a stable sort. The comparator orders nulls after every
// other value (so they come last in an ascending sort and first in a
// descending one), compares numbers and strings by type, and falls back to
// textual comparison for incomparable types.
type SortStage struct {
	Specs []SortSpec
}

func (s SortStage) Apply(docs []Doc) ([]Doc, error) {
	out := make([]Doc, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		for _, spec := range s.Specs {
			vi := out[i][spec.Path]
			vj := out[j][spec.Path]
			c := compareForSort(vi, vj)
			if c == 0 {
				continue
			}
			if spec.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
	return out, nil
}

func compareForSort(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1 // nulls sort last
	}
	if b == nil {
		return -1
	}
	an, aNum := toFloat(a)
	bn, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	ta, tb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ProjectStage keeps only included fields (plus "_id" unless explicitly
// excluded) or removes excluded fields, applying renames. Inclusion and
// exclusion cannot mix; NewProjectStage enforces this at construction.
type ProjectStage struct {
	include bool
	fields  map[string]bool
	rename  map[string]string
}

// NewProjectStage validates and constructs a ProjectStage. Exactly one of
// include/exclude may be non-empty.
func NewProjectStage(include, exclude []string, rename map[string]string) (*ProjectStage, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, dberr.New(dberr.InvalidCommand, "$project cannot mix include and exclude fields")
	}
	fields := make(map[string]bool)
	isInclude := len(include) > 0
	list := include
	if !isInclude {
		list = exclude
	}
	for _, f := range list {
		fields[f] = true
	}
	return &ProjectStage{include: isInclude, fields: fields, rename: rename}, nil
}

func (s *ProjectStage) Apply(docs []Doc) ([]Doc, error) {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		nd := Doc{}
		if s.include {
			nd["_id"] = d["_id"]
			for f := range s.fields {
				if v, ok := d[f]; ok {
					nd[f] = v
				}
			}
		} else {
			for k, v := range d {
				if !s.fields[k] {
					nd[k] = v
				}
			}
		}
		for from, to := range s.rename {
			if v, ok := nd[from]; ok {
				delete(nd, from)
				nd[to] = v
			}
		}
		out = append(out, nd)
	}
	return out, nil
}

// SkipStage passes through after dropping the first N documents.
type SkipStage struct{ N int }

func (s SkipStage) Apply(docs []Doc) ([]Doc, error) {
	if s.N <= 0 {
		return docs, nil
	}
	if s.N >= len(docs) {
		return []Doc{}, nil
	}
	return docs[s.N:], nil
}

// LimitStage caps the stream at N documents.
type LimitStage struct{ N int }

func (s LimitStage) Apply(docs []Doc) ([]Doc, error) {
	if s.N < 0 {
		return docs, nil
	}
	if s.N >= len(docs) {
		return docs, nil
	}
	return docs[:s.N], nil
}

// GroupOp identifies a group accumulator.
type GroupOp string

const (
	OpSum      GroupOp = "Sum"
	OpAvg      GroupOp = "Avg"
	OpMin      GroupOp = "Min"
	OpMax      GroupOp = "Max"
	OpCount    GroupOp = "Count"
	OpFirst    GroupOp = "First"
	OpLast     GroupOp = "Last"
	OpPush     GroupOp = "Push"
	OpAddToSet GroupOp = "AddToSet"
)

// GroupSpec is one output field computed by an accumulator over ArgPath.
type GroupSpec struct {
	OutField string
	Op       GroupOp
	ArgPath  string // empty for Count
}

// GroupStage groups documents by KeyPath (nil/"" groups everything into
// one bucket) and computes one accumulator per spec.
type GroupStage struct {
	KeyPath string
	HasKey  bool
	Specs   []GroupSpec
}

type groupBucket struct {
	key     interface{}
	docs    []Doc
	order   int
}

func (s GroupStage) Apply(docs []Doc) ([]Doc, error) {
	buckets := map[interface{}]*groupBucket{}
	var order []interface{}

	for _, d := range docs {
		var key interface{}
		if s.HasKey {
			key = d[s.KeyPath]
		} else {
			key = nil
		}
		normKey := normalizeKey(key)
		b, ok := buckets[normKey]
		if !ok {
			b = &groupBucket{key: key, order: len(order)}
			buckets[normKey] = b
			order = append(order, normKey)
		}
		b.docs = append(b.docs, d)
	}

	out := make([]Doc, 0, len(order))
	for i, nk := range order {
		b := buckets[nk]
		result := Doc{"_id": b.key}
		for _, spec := range s.Specs {
			result[spec.OutField] = applyAccumulator(spec, b.docs)
		}
		result["id"] = fmt.Sprintf("group_%d", i)
		out = append(out, result)
	}
	return out, nil
}

func normalizeKey(v interface{}) interface{} {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func applyAccumulator(spec GroupSpec, docs []Doc) interface{} {
	switch spec.Op {
	case OpCount:
		return len(docs)
	case OpSum:
		var sum float64
		for _, d := range docs {
			if n, ok := toFloat(d[spec.ArgPath]); ok {
				sum += n
			}
		}
		return sum
	case OpAvg:
		var sum float64
		var count int
		for _, d := range docs {
			if n, ok := toFloat(d[spec.ArgPath]); ok {
				sum += n
				count++
			}
		}
		if count == 0 {
			return 0.0
		}
		return sum / float64(count)
	case OpMin:
		var min interface{}
		for _, d := range docs {
			v := d[spec.ArgPath]
			if v == nil {
				continue
			}
			if min == nil || compareForSort(v, min) < 0 {
				min = v
			}
		}
		return min
	case OpMax:
		var max interface{}
		for _, d := range docs {
			v := d[spec.ArgPath]
			if v == nil {
				continue
			}
			if max == nil || compareForSort(v, max) > 0 {
				max = v
			}
		}
		return max
	case OpFirst:
		if len(docs) == 0 {
			return nil
		}
		return docs[0][spec.ArgPath]
	case OpLast:
		if len(docs) == 0 {
			return nil
		}
		return docs[len(docs)-1][spec.ArgPath]
	case OpPush:
		vals := make([]interface{}, 0, len(docs))
		for _, d := range docs {
			vals = append(vals, d[spec.ArgPath])
		}
		return vals
	case OpAddToSet:
		var vals []interface{}
		for _, d := range docs {
			v := d[spec.ArgPath]
			found := false
			for _, existing := range vals {
				if compareForSort(existing, v) == 0 {
					found = true
					break
				}
			}
			if !found {
				vals = append(vals, v)
			}
		}
		return vals
	default:
		return nil
	}
}
