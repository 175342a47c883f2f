package index

import (
	"sync"

	"github.com/cuemby/docstore/internal/model"
)

// Manager owns every declared index, keyed by collection+field, and the
// checkpoint store used to persist and restore them across restarts.
type Manager struct {
	mu         sync.RWMutex
	indexes    map[string]*Index
	checkpoint *CheckpointStore
}

func indexKey(collection, field string) string { return collection + "\x00" + field }

// NewManager constructs a Manager. checkpoint may be nil to disable
// checkpoint persistence entirely.
func NewManager(checkpoint *CheckpointStore) *Manager {
	return &Manager{
		indexes:    make(map[string]*Index),
		checkpoint: checkpoint,
	}
}

// Declare registers an index over (collection, field) for the given key
// type, attempting to restore it from a checkpoint before falling back to
// a full Build over docs.
func (m *Manager) Declare(collection, field string, keyType KeyType, unique bool, docs []*model.Document) (*Index, error) {
	idx := New(collection, field, keyType, unique)

	restored := false
	if m.checkpoint != nil {
		found, err := m.checkpoint.Load(idx)
		if err != nil {
			return nil, err
		}
		restored = found
	}
	if !restored {
		if err := idx.Build(docs, field); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.indexes[indexKey(collection, field)] = idx
	m.mu.Unlock()
	return idx, nil
}

// Get returns the index over (collection, field), if declared.
func (m *Manager) Get(collection, field string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[indexKey(collection, field)]
	return idx, ok
}

// ForCollection returns every index declared over the given collection.
func (m *Manager) ForCollection(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for _, idx := range m.indexes {
		if idx.Collection == collection {
			out = append(out, idx)
		}
	}
	return out
}

// Drop removes the index over (collection, field).
func (m *Manager) Drop(collection, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, indexKey(collection, field))
}

// Checkpoint persists every declared index. Called on a clean shutdown.
func (m *Manager) Checkpoint() error {
	if m.checkpoint == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.indexes {
		if err := m.checkpoint.Save(idx); err != nil {
			return err
		}
	}
	return nil
}

// Close persists a final checkpoint and closes the underlying store.
func (m *Manager) Close() error {
	if m.checkpoint == nil {
		return nil
	}
	if err := m.Checkpoint(); err != nil {
		return err
	}
	return m.checkpoint.Close()
}
