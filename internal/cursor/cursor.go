// Package cursor implements the stateful server-side cursor manager:
// batched iteration over a materialized query result, with expiry and
// resume tokens.
package cursor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/events"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/query"
)

const (
	minBatchSize       = 1
	maxBatchSize       = 10_000
	minTimeoutMinutes  = 1
	maxTimeoutMinutes  = 60
)

// Cursor is a single server-side iterator over a materialized result set.
// closed is a CAS guard, grounded on the double-close protection idiom
// (atomic flag plus a dedicated mutex) used by long-lived driver cursors
// in the corpus.
type Cursor struct {
	ID         string
	Collection string
	Filter     filter.Filter
	Sort       []aggregate.SortSpec
	BatchSize  int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	TotalCount *int

	mu        sync.Mutex
	results   []aggregate.Doc
	position  int
	lastDocID string

	closed     atomic.Int32
	closeMutex sync.Mutex
}

// Options parameterizes cursor creation.
type Options struct {
	BatchSize         int
	IncludeTotalCount bool
	TimeoutMinutes    int
	ResumeToken       string
}

// Stats holds the manager's running counters.
type Stats struct {
	Active        int
	Created       uint64
	Closed        uint64
	Expired       uint64
	AverageLifeMs int64
}

// Manager owns every live cursor and runs the 60s expiry sweep.
type Manager struct {
	mu           sync.RWMutex
	cursors      map[string]*Cursor
	byCollection map[string]map[string]struct{}
	exec         *query.Executor
	broker       *events.Broker

	created, closed, expired atomic.Uint64
	totalLifetime            atomic.Int64

	stopCh  chan struct{}
	sweepWG sync.WaitGroup
}

// NewManager constructs a cursor manager and starts its sweeper.
func NewManager(exec *query.Executor, broker *events.Broker) *Manager {
	m := &Manager{
		cursors:      make(map[string]*Cursor),
		byCollection: make(map[string]map[string]struct{}),
		exec:         exec,
		broker:       broker,
		stopCh:       make(chan struct{}),
	}
	m.sweepWG.Add(1)
	go m.sweepLoop()
	return m
}

func (m *Manager) Stop() {
	close(m.stopCh)
	m.sweepWG.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []*Cursor
	m.mu.RLock()
	for _, c := range m.cursors {
		if now.After(c.ExpiresAt) {
			expired = append(expired, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range expired {
		if m.forceClose(c, true) {
			m.expired.Add(1)
			m.publish(events.TypeCursorExpired, c.ID)
		}
	}
}

// Create materializes a query result and registers a new cursor over it,
// or, when opts.ResumeToken is set, resumes a prior iteration.
func (m *Manager) Create(ctx context.Context, collection string, f filter.Filter, sort []aggregate.SortSpec, opts Options) (*Cursor, []aggregate.Doc, error) {
	if opts.BatchSize < minBatchSize || opts.BatchSize > maxBatchSize {
		return nil, nil, dberr.Newf(dberr.CursorInvalidOptions, "batch_size must be in [%d, %d]", minBatchSize, maxBatchSize)
	}
	if opts.TimeoutMinutes < minTimeoutMinutes || opts.TimeoutMinutes > maxTimeoutMinutes {
		return nil, nil, dberr.Newf(dberr.CursorInvalidOptions, "timeout_minutes must be in [%d, %d]", minTimeoutMinutes, maxTimeoutMinutes)
	}

	res, err := m.exec.Run(ctx, query.Query{
		Collection:        collection,
		Filter:            f,
		Sort:              sort,
		Skip:              0,
		Limit:             -1,
		IncludeTotalCount: opts.IncludeTotalCount,
	})
	if err != nil {
		return nil, nil, err
	}

	startPos := 0
	if opts.ResumeToken != "" {
		payload, err := decodeResumeToken(opts.ResumeToken)
		if err != nil {
			return nil, nil, dberr.Wrap(dberr.ResumeMismatch, err, "malformed resume token")
		}
		if !reflect.DeepEqual(payload.Filter, f) || !reflect.DeepEqual(payload.Sort, sort) {
			return nil, nil, dberr.New(dberr.ResumeMismatch, "resume token filter/sort does not match")
		}
		idx := -1
		for i, d := range res.Documents {
			if fmt.Sprint(d["_id"]) == payload.LastDocumentID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, nil, dberr.New(dberr.ResumeStale, "resume token position no longer present in result")
		}
		startPos = idx + 1
	}

	id, err := newCursorID()
	if err != nil {
		return nil, nil, dberr.Wrap(dberr.InternalError, err, "generate cursor id")
	}

	now := time.Now()
	c := &Cursor{
		ID:         id,
		Collection: collection,
		Filter:     f,
		Sort:       sort,
		BatchSize:  opts.BatchSize,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(opts.TimeoutMinutes) * time.Minute),
		TotalCount: res.TotalCount,
		results:    res.Documents,
		position:   startPos,
	}

	m.mu.Lock()
	m.cursors[id] = c
	if m.byCollection[collection] == nil {
		m.byCollection[collection] = make(map[string]struct{})
	}
	m.byCollection[collection][id] = struct{}{}
	m.mu.Unlock()
	m.created.Add(1)

	batch := c.advance(opts.BatchSize)
	return c, batch, nil
}

// advance returns up to n documents starting at the cursor's current
// position and moves the position past them.
func (c *Cursor) advance(n int) []aggregate.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > maxBatchSize {
		n = c.BatchSize
	}
	end := c.position + n
	if end > len(c.results) {
		end = len(c.results)
	}
	batch := c.results[c.position:end]
	c.position = end
	if len(batch) > 0 {
		c.lastDocID = fmt.Sprint(batch[len(batch)-1]["_id"])
	}
	return batch
}

// Next returns the next batch for cursorID, advancing its position.
func (m *Manager) Next(cursorID string, batchSize int) ([]aggregate.Doc, bool, string, error) {
	c, ok := m.get(cursorID)
	if !ok {
		return nil, false, "", dberr.Newf(dberr.CursorNotFound, "cursor %q not found", cursorID)
	}
	if time.Now().After(c.ExpiresAt) {
		m.forceClose(c, true)
		m.expired.Add(1)
		m.publish(events.TypeCursorExpired, c.ID)
		return nil, false, "", dberr.Newf(dberr.CursorExpired, "cursor %q expired", cursorID)
	}

	batch := c.advance(batchSize)

	c.mu.Lock()
	hasMore := c.position < len(c.results)
	lastDocID := c.lastDocID
	c.mu.Unlock()

	return batch, hasMore, lastDocID, nil
}

// ResumeToken issues the opaque continuation marker for cursorID's current
// position.
func (m *Manager) ResumeToken(cursorID string) (string, error) {
	c, ok := m.get(cursorID)
	if !ok {
		return "", dberr.Newf(dberr.CursorNotFound, "cursor %q not found", cursorID)
	}
	c.mu.Lock()
	lastDocID := c.lastDocID
	c.mu.Unlock()
	return encodeResumeToken(resumeTokenPayload{
		CursorID:       c.ID,
		LastDocumentID: lastDocID,
		CreatedAt:      c.CreatedAt,
		Filter:         c.Filter,
		Sort:           c.Sort,
	})
}

// Close frees cursorID's state, reporting false on an already-closed or
// unknown cursor (double-close returns false).
func (m *Manager) Close(cursorID string) bool {
	c, ok := m.get(cursorID)
	if !ok {
		return false
	}
	closed := m.forceClose(c, false)
	if closed {
		m.closed.Add(1)
		m.publish(events.TypeCursorClosed, c.ID)
	}
	return closed
}

// forceClose performs the actual CAS-guarded teardown shared by Close and
// the expiry sweep.
func (m *Manager) forceClose(c *Cursor, expiring bool) bool {
	if !c.closed.CompareAndSwap(0, 1) {
		return false
	}
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()

	m.mu.Lock()
	delete(m.cursors, c.ID)
	if set, ok := m.byCollection[c.Collection]; ok {
		delete(set, c.ID)
	}
	m.mu.Unlock()

	m.totalLifetime.Add(int64(time.Since(c.CreatedAt)))
	return true
}

func (m *Manager) get(cursorID string) (*Cursor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[cursorID]
	return c, ok
}

func (m *Manager) publish(t events.Type, cursorID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, Metadata: map[string]string{"cursor_id": cursorID}})
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.cursors)
	m.mu.RUnlock()

	closedTotal := m.closed.Load() + m.expired.Load()
	var avg int64
	if closedTotal > 0 {
		avg = m.totalLifetime.Load() / int64(closedTotal) / int64(time.Millisecond)
	}
	return Stats{
		Active:        active,
		Created:       m.created.Load(),
		Closed:        m.closed.Load(),
		Expired:       m.expired.Load(),
		AverageLifeMs: avg,
	}
}

func newCursorID() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
