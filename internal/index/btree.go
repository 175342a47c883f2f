// Package index implements the B-tree secondary index subsystem: an
// ordered mapping from a typed key to a set of document ids, per
// (collection, field, key-type), used by the query planner to avoid full
// collection scans.
package index

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/model"
)

type node struct {
	key Key
	ids map[string]struct{}
}

// Index is an ordered key -> doc-id-set map backed by google/btree,
// optionally enforcing key uniqueness.
type Index struct {
	mu         sync.RWMutex
	Collection string
	Field      string
	Unique     bool
	keyType    KeyType
	tree       *btree.BTreeG[*node]
	generation uint64
}

// New constructs an empty index over the given key type.
func New(collection, field string, keyType KeyType, unique bool) *Index {
	return &Index{
		Collection: collection,
		Field:      field,
		Unique:     unique,
		keyType:    keyType,
		tree: btree.NewG[*node](32, func(a, b *node) bool {
			return Less(a.key, b.key)
		}),
	}
}

// Name is the identifier used in explain-plan output and checkpoint keys.
func (idx *Index) Name() string {
	return idx.Collection + "." + idx.Field
}

// Insert adds id under key. If the index is unique and key is already
// present with a different id set, it fails with DUPLICATE_KEY.
func (idx *Index) Insert(key Key, id string) error {
	if key.Type != idx.keyType {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	probe := &node{key: key}
	if existing, ok := idx.tree.Get(probe); ok {
		if idx.Unique && len(existing.ids) > 0 {
			if _, already := existing.ids[id]; !already {
				return dberr.Newf(dberr.DuplicateKey, "duplicate key for unique index %s", idx.Name())
			}
		}
		existing.ids[id] = struct{}{}
	} else {
		n := &node{key: key, ids: map[string]struct{}{id: {}}}
		idx.tree.ReplaceOrInsert(n)
	}
	idx.generation++
	return nil
}

// Delete removes id from key's entry, reporting whether anything changed.
func (idx *Index) Delete(key Key, id string) bool {
	if key.Type != idx.keyType {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	probe := &node{key: key}
	existing, ok := idx.tree.Get(probe)
	if !ok {
		return false
	}
	if _, present := existing.ids[id]; !present {
		return false
	}
	delete(existing.ids, id)
	if len(existing.ids) == 0 {
		idx.tree.Delete(probe)
	}
	idx.generation++
	return true
}

// Lookup returns every document id stored under key.
func (idx *Index) Lookup(key Key) []string {
	if key.Type != idx.keyType {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	probe := &node{key: key}
	existing, ok := idx.tree.Get(probe)
	if !ok {
		return nil
	}
	return idsOf(existing)
}

// Range returns every document id whose key falls within [lo, hi],
// inclusivity controlled per bound, in ascending key order. A nil bound is
// unbounded on that side.
func (idx *Index) Range(lo, hi *Key, incLo, incHi bool) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	visit := func(n *node) bool {
		if lo != nil {
			if incLo {
				if Less(n.key, *lo) {
					return true
				}
			} else if Less(n.key, *lo) || Equal(n.key, *lo) {
				return true
			}
		}
		if hi != nil {
			if incHi {
				if Less(*hi, n.key) {
					return false
				}
			} else if Less(*hi, n.key) || Equal(*hi, n.key) {
				return false
			}
		}
		out = append(out, idsOf(n)...)
		return true
	}

	if lo != nil {
		idx.tree.AscendGreaterOrEqual(&node{key: *lo}, visit)
	} else {
		idx.tree.Ascend(visit)
	}
	return out
}

func idsOf(n *node) []string {
	out := make([]string, 0, len(n.ids))
	for id := range n.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build rebuilds the index from scratch by scanning docs, extracting
// field by dot-path, and skipping documents where it is missing or not of
// this index's key type.
func (idx *Index) Build(docs []*model.Document, field string) error {
	idx.mu.Lock()
	idx.tree.Clear(false)
	idx.mu.Unlock()

	for _, doc := range docs {
		v, ok := model.Resolve(doc.Data, field)
		if !ok {
			continue
		}
		key, ok := ExtractKey(v)
		if !ok || key.Type != idx.keyType {
			continue
		}
		if err := idx.Insert(key, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

// Generation returns a counter bumped on every mutating operation, used to
// decide whether a checkpoint is still valid.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.generation
}

// Snapshot returns every (key, ids) pair in ascending key order, used by
// the checkpoint store.
func (idx *Index) Snapshot() []struct {
	Key Key
	IDs []string
} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []struct {
		Key Key
		IDs []string
	}
	idx.tree.Ascend(func(n *node) bool {
		out = append(out, struct {
			Key Key
			IDs []string
		}{Key: n.key, IDs: idsOf(n)})
		return true
	})
	return out
}

// LoadSnapshot bulk-loads (key, ids) pairs produced by Snapshot, used to
// restore an index from a checkpoint without rescanning the collection.
func (idx *Index) LoadSnapshot(entries []struct {
	Key Key
	IDs []string
}) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.Clear(false)
	for _, e := range entries {
		ids := make(map[string]struct{}, len(e.IDs))
		for _, id := range e.IDs {
			ids[id] = struct{}{}
		}
		idx.tree.ReplaceOrInsert(&node{key: e.Key, ids: ids})
	}
}
