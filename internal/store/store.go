// Package store implements the hybrid document store: an in-memory tier
// per collection, fed and drained by an asynchronous single-writer
// pipeline that persists one JSON file per document under
// <base>/<collection>/<id>.json.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/docstore/internal/cache"
	"github.com/cuemby/docstore/internal/config"
	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/log"
	"github.com/cuemby/docstore/internal/metrics"
	"github.com/cuemby/docstore/internal/model"
)

// WriteKind identifies the file operation a queued write performs.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteUpdate
	WriteDelete
)

type writeOp struct {
	Kind       WriteKind
	Collection string
	Document   *model.Document
	ID         string
}

type collectionData struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
}

// Store is the hybrid document store.
type Store struct {
	base string

	mu          sync.RWMutex
	collections map[string]*collectionData

	writeCh       chan writeOp
	pendingWrites atomic.Int64
	closeOnce     sync.Once
	stopCh        chan struct{}
	writerDone    chan struct{}

	logger zerologLogger

	cache   *cache.Cache
	indexes *index.Manager
}

// Option configures optional collaborators on a Store at construction
// time, keeping single-argument New(base) call sites working unchanged.
type Option func(*Store)

// WithCache fronts the store's read-through path with c: Get consults c
// before falling back to the in-memory tier and disk, and every
// successful write refreshes or invalidates the corresponding entry.
func WithCache(c *cache.Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithIndexes keeps m's declared B-tree indexes current: every
// Insert/Update/Delete maintains the indexes registered for that
// document's collection.
func WithIndexes(m *index.Manager) Option {
	return func(s *Store) { s.indexes = m }
}

// zerologLogger narrows the dependency on internal/log to the one method
// this package needs, so tests can run without configuring the global
// logger.
type zerologLogger interface {
	Warn(format string, args ...interface{})
}

type defaultLogger struct{}

func (defaultLogger) Warn(format string, args ...interface{}) {
	log.WithComponent("store").Warn().Msgf(format, args...)
}

// writeQueueCapacity bounds the write queue. The spec allows an
// implementation to bound the otherwise-unbounded MPSC queue as long as
// the resulting backpressure point is documented: insert/update/delete
// block once the queue is full, which is this store's sole blocking point
// outside of socket I/O.
const writeQueueCapacity = 10000

// New constructs a Store rooted at base and starts its writer goroutine.
func New(base string, opts ...Option) *Store {
	s := &Store{
		base:        base,
		collections: make(map[string]*collectionData),
		writeCh:     make(chan writeOp, writeQueueCapacity),
		stopCh:      make(chan struct{}),
		writerDone:  make(chan struct{}),
		logger:      defaultLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.writerLoop()
	return s
}

// cacheKey is the cache key a document is stored and invalidated under.
func cacheKey(collection, id string) string {
	return collection + "/" + id
}

// cacheSize estimates a document's cache footprint from its JSON
// encoding, matching the spec's byte-accounted capacity bound.
func cacheSize(doc *model.Document) int64 {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func (s *Store) cacheGet(collection, id string) (*model.Document, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok, err := s.cache.Get(cacheKey(collection, id))
	if err != nil || !ok {
		return nil, false
	}
	doc, ok := v.(*model.Document)
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (s *Store) cachePut(collection string, doc *model.Document) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(cacheKey(collection, doc.ID), doc.Clone(), 0, cacheSize(doc))
}

func (s *Store) cacheInvalidate(collection, id string) {
	if s.cache == nil {
		return
	}
	_, _ = s.cache.Remove(cacheKey(collection, id))
}

// indexMaintainInsert adds id under every declared index over collection
// whose field resolves to an indexable value in data.
func (s *Store) indexMaintainInsert(collection, id string, data map[string]interface{}) {
	if s.indexes == nil {
		return
	}
	for _, idx := range s.indexes.ForCollection(collection) {
		v, ok := model.Resolve(data, idx.Field)
		if !ok {
			continue
		}
		key, ok := index.ExtractKey(v)
		if !ok {
			continue
		}
		_ = idx.Insert(key, id)
	}
}

// indexMaintainUpdate re-keys id in every declared index whose field
// value changed between oldData and newData.
func (s *Store) indexMaintainUpdate(collection, id string, oldData, newData map[string]interface{}) {
	if s.indexes == nil {
		return
	}
	for _, idx := range s.indexes.ForCollection(collection) {
		oldVal, oldOK := model.Resolve(oldData, idx.Field)
		newVal, newOK := model.Resolve(newData, idx.Field)
		oldKey, oldKeyOK := index.ExtractKey(oldVal)
		newKey, newKeyOK := index.ExtractKey(newVal)
		if oldOK && oldKeyOK && (!newOK || !newKeyOK || !index.Equal(oldKey, newKey)) {
			idx.Delete(oldKey, id)
		}
		if newOK && newKeyOK {
			_ = idx.Insert(newKey, id)
		}
	}
}

// indexMaintainDelete removes id from every declared index over
// collection whose field resolved to an indexable value in data.
func (s *Store) indexMaintainDelete(collection, id string, data map[string]interface{}) {
	if s.indexes == nil {
		return
	}
	for _, idx := range s.indexes.ForCollection(collection) {
		v, ok := model.Resolve(data, idx.Field)
		if !ok {
			continue
		}
		key, ok := index.ExtractKey(v)
		if !ok {
			continue
		}
		idx.Delete(key, id)
	}
}

func (s *Store) collection(name string) *collectionData {
	s.mu.RLock()
	c, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c
	}
	c = &collectionData{docs: make(map[string]*model.Document)}
	s.collections[name] = c
	return c
}

func validateCollection(name string) error {
	if !config.ValidCollectionName(name) {
		return dberr.Newf(dberr.InvalidCollection, "invalid collection name %q", name)
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return dberr.New(dberr.InvalidCommand, "document id must be non-empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return dberr.Newf(dberr.InvalidCommand, "document id %q contains path separators", id)
	}
	return nil
}

// Insert creates a new document. Fails with DUPLICATE_KEY if doc.ID is
// already present in-memory.
func (s *Store) Insert(collection string, doc *model.Document) (*model.Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := validateID(doc.ID); err != nil {
		return nil, err
	}

	c := s.collection(collection)
	c.mu.Lock()
	if _, exists := c.docs[doc.ID]; exists {
		c.mu.Unlock()
		return nil, dberr.Newf(dberr.DuplicateKey, "document %q already exists in %q", doc.ID, collection)
	}
	now := time.Now().UTC()
	materialized := doc.Clone()
	materialized.CreatedAt = now
	materialized.UpdatedAt = now
	materialized.Version = 1
	c.docs[doc.ID] = materialized
	c.mu.Unlock()

	s.enqueue(writeOp{Kind: WriteInsert, Collection: collection, Document: materialized.Clone()})
	metrics.DocumentsTotal.WithLabelValues(collection).Set(float64(c.size()))
	s.cachePut(collection, materialized)
	s.indexMaintainInsert(collection, materialized.ID, materialized.Data)
	return materialized.Clone(), nil
}

// Update replaces an existing document's data, preserving CreatedAt and
// incrementing Version. Fails with NOT_FOUND if absent.
func (s *Store) Update(collection string, doc *model.Document) (*model.Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := validateID(doc.ID); err != nil {
		return nil, err
	}

	c := s.collection(collection)
	c.mu.Lock()
	existing, ok := c.docs[doc.ID]
	if !ok {
		c.mu.Unlock()
		return nil, dberr.Newf(dberr.NotFound, "document %q not found in %q", doc.ID, collection)
	}
	materialized := doc.Clone()
	materialized.CreatedAt = existing.CreatedAt
	materialized.UpdatedAt = time.Now().UTC()
	materialized.Version = existing.Version + 1
	oldData := existing.Data
	c.docs[doc.ID] = materialized
	c.mu.Unlock()

	s.enqueue(writeOp{Kind: WriteUpdate, Collection: collection, Document: materialized.Clone()})
	s.cachePut(collection, materialized)
	s.indexMaintainUpdate(collection, materialized.ID, oldData, materialized.Data)
	return materialized.Clone(), nil
}

// Get checks the cache, then the in-memory tier, then falls back to a
// disk read-through on miss (installing the result in both tiers before
// returning it).
func (s *Store) Get(collection, id string) (*model.Document, bool, error) {
	if err := validateCollection(collection); err != nil {
		return nil, false, err
	}
	if cached, ok := s.cacheGet(collection, id); ok {
		return cached, true, nil
	}

	c := s.collection(collection)
	c.mu.RLock()
	doc, ok := c.docs[id]
	c.mu.RUnlock()
	if ok {
		s.cachePut(collection, doc)
		return doc.Clone(), true, nil
	}

	path := s.docPath(collection, id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, dberr.Wrap(dberr.StorageError, err, "read-through failed")
	}
	loaded, err := model.UnmarshalFile(raw)
	if err != nil {
		return nil, false, dberr.Wrap(dberr.StorageError, err, "corrupt document file")
	}

	c.mu.Lock()
	if existing, already := c.docs[id]; already {
		c.mu.Unlock()
		s.cachePut(collection, existing)
		return existing.Clone(), true, nil
	}
	c.docs[id] = loaded
	c.mu.Unlock()
	s.cachePut(collection, loaded)
	return loaded.Clone(), true, nil
}

// Delete removes a document in-memory, reporting whether it was present.
func (s *Store) Delete(collection, id string) (bool, error) {
	if err := validateCollection(collection); err != nil {
		return false, err
	}
	c := s.collection(collection)
	c.mu.Lock()
	existing, ok := c.docs[id]
	if ok {
		delete(c.docs, id)
	}
	c.mu.Unlock()
	if ok {
		s.enqueue(writeOp{Kind: WriteDelete, Collection: collection, ID: id})
		s.cacheInvalidate(collection, id)
		s.indexMaintainDelete(collection, id, existing.Data)
	}
	return ok, nil
}

// DeclareIndex registers a B-tree secondary index over (collection, field),
// building it from the collection's current in-memory documents (or
// restoring it from a checkpoint, if one is current). Fails if the store
// was not constructed with WithIndexes.
func (s *Store) DeclareIndex(collection, field string, keyType index.KeyType, unique bool) (*index.Index, error) {
	if s.indexes == nil {
		return nil, dberr.New(dberr.InvalidCommand, "no index manager configured")
	}
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	docs, err := s.GetAll(collection)
	if err != nil {
		return nil, err
	}
	return s.indexes.Declare(collection, field, keyType, unique, docs)
}

// Exists reports whether id is present in-memory.
func (s *Store) Exists(collection, id string) (bool, error) {
	if err := validateCollection(collection); err != nil {
		return false, err
	}
	c := s.collection(collection)
	c.mu.RLock()
	_, ok := c.docs[id]
	c.mu.RUnlock()
	return ok, nil
}

// Count returns the document count for one collection, or the sum across
// all collections when collection is empty.
func (s *Store) Count(collection string) (int, error) {
	if collection == "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
		total := 0
		for _, c := range s.collections {
			total += c.size()
		}
		return total, nil
	}
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	return s.collection(collection).size(), nil
}

func (c *collectionData) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// GetAll returns every document currently held in-memory for collection,
// in ascending id order.
func (s *Store) GetAll(collection string) ([]*model.Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	c := s.collection(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListCollections returns every collection name known to the store.
func (s *Store) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	return out
}

// CreateCollection ensures collection exists, creating it if absent.
func (s *Store) CreateCollection(collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	s.collection(collection)
	return os.MkdirAll(filepath.Join(s.base, collection), 0755)
}

// DropCollection removes collection from memory and recursively removes
// its on-disk directory.
func (s *Store) DropCollection(collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.collections, collection)
	s.mu.Unlock()
	if s.cache != nil {
		_, _ = s.cache.RemoveByPrefix(collection + "/")
	}
	if s.indexes != nil {
		for _, idx := range s.indexes.ForCollection(collection) {
			s.indexes.Drop(collection, idx.Field)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.base, collection)); err != nil {
		return dberr.Wrap(dberr.StorageError, err, "drop collection")
	}
	return nil
}

// ClearCollection empties collection in-memory and deletes every *.json
// file in its directory.
func (s *Store) ClearCollection(collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	c := s.collection(collection)
	c.mu.Lock()
	c.docs = make(map[string]*model.Document)
	c.mu.Unlock()

	if s.cache != nil {
		_, _ = s.cache.RemoveByPrefix(collection + "/")
	}
	if s.indexes != nil {
		for _, idx := range s.indexes.ForCollection(collection) {
			_ = idx.Build(nil, idx.Field)
		}
	}

	dir := filepath.Join(s.base, collection)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dberr.Wrap(dberr.StorageError, err, "clear collection")
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// Flush blocks until every enqueued write has been drained, or ctx is
// done.
func (s *Store) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for s.pendingWrites.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Initialize scans the base directory, loading every *.json file found in
// each collection subdirectory into the in-memory tier. Corrupt or
// unreadable files are skipped with a logged warning. Idempotent.
func (s *Store) Initialize() error {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(s.base, 0755)
		}
		return dberr.Wrap(dberr.StorageError, err, "read data directory")
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		collection := e.Name()
		dir := filepath.Join(s.base, collection)
		files, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("skipping unreadable collection directory %s: %v", dir, err)
			continue
		}
		c := s.collection(collection)
		c.mu.Lock()
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
			if err != nil {
				s.logger.Warn("skipping unreadable document file %s: %v", f.Name(), err)
				continue
			}
			doc, err := model.UnmarshalFile(raw)
			if err != nil {
				s.logger.Warn("skipping corrupt document file %s: %v", f.Name(), err)
				continue
			}
			c.docs[doc.ID] = doc
		}
		c.mu.Unlock()
		metrics.DocumentsTotal.WithLabelValues(collection).Set(float64(c.size()))
	}
	return nil
}

// Close marks the write queue closed and awaits the background writer,
// bounded by a 30s timeout, then releases resources.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.writerDone:
		case <-time.After(30 * time.Second):
			err = fmt.Errorf("store close: writer did not drain within timeout")
		}
	})
	return err
}

func (s *Store) enqueue(op writeOp) {
	s.pendingWrites.Add(1)
	metrics.PendingWrites.Set(float64(s.pendingWrites.Load()))
	s.writeCh <- op
}

func (s *Store) docPath(collection, id string) string {
	return filepath.Join(s.base, collection, id+".json")
}

func (s *Store) writerLoop() {
	defer close(s.writerDone)
	for {
		select {
		case op := <-s.writeCh:
			s.applyWrite(op)
		case <-s.stopCh:
			// drain whatever is already queued before exiting.
			for {
				select {
				case op := <-s.writeCh:
					s.applyWrite(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) applyWrite(op writeOp) {
	defer func() {
		s.pendingWrites.Add(-1)
		metrics.PendingWrites.Set(float64(s.pendingWrites.Load()))
	}()

	dir := filepath.Join(s.base, op.Collection)
	switch op.Kind {
	case WriteInsert, WriteUpdate:
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.logger.Warn("mkdir %s failed: %v", dir, err)
			return
		}
		data, err := op.Document.MarshalFile()
		if err != nil {
			s.logger.Warn("marshal document %s failed: %v", op.Document.ID, err)
			return
		}
		if err := writeFileAtomic(s.docPath(op.Collection, op.Document.ID), data); err != nil {
			s.logger.Warn("write document %s failed: %v", op.Document.ID, err)
		}
	case WriteDelete:
		if err := os.Remove(s.docPath(op.Collection, op.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("delete document %s failed: %v", op.ID, err)
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
