package index

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// CheckpointStore persists index snapshots to a small bbolt database so a
// restart can bulk-load an index instead of rescanning the collection.
// Grounded on the teacher's BoltStore: one bucket per index, JSON-encoded
// values, db.Update/db.View transactions.
type CheckpointStore struct {
	db *bolt.DB
}

const generationKey = "__generation__"

// OpenCheckpointStore opens (creating if absent) <base>/.indexes.db.
func OpenCheckpointStore(base string) (*CheckpointStore, error) {
	path := filepath.Join(base, ".indexes.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

type checkpointEntry struct {
	Key Key
	IDs []string
}

// Save writes idx's current snapshot and generation counter to its bucket,
// overwriting any prior checkpoint.
func (s *CheckpointStore) Save(idx *Index) error {
	bucket := []byte(idx.Name())
	snapshot := idx.Snapshot()
	entries := make([]checkpointEntry, len(snapshot))
	for i, e := range snapshot {
		entries[i] = checkpointEntry{Key: e.Key, IDs: e.IDs}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal index checkpoint: %w", err)
	}
	gen := idx.Generation()

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if err := b.Put([]byte("snapshot"), data); err != nil {
			return err
		}
		return b.Put([]byte(generationKey), []byte(fmt.Sprintf("%d", gen)))
	})
}

// Load restores idx from its checkpoint if present, reporting whether a
// checkpoint existed. The caller is responsible for deciding whether the
// checkpoint's generation is still current before relying on it.
func (s *CheckpointStore) Load(idx *Index) (found bool, err error) {
	bucket := []byte(idx.Name())
	var raw []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte("snapshot"))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}

	var entries []checkpointEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false, fmt.Errorf("unmarshal index checkpoint: %w", err)
	}
	converted := make([]struct {
		Key Key
		IDs []string
	}, len(entries))
	for i, e := range entries {
		converted[i] = struct {
			Key Key
			IDs []string
		}{Key: e.Key, IDs: e.IDs}
	}
	idx.LoadSnapshot(converted)
	return true, nil
}
