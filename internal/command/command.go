// Package command implements the single-command and batch-operation
// handlers dispatched from a connection's Command and BulkOperation
// frames.
package command

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/model"
	"github.com/cuemby/docstore/internal/query"
	"github.com/cuemby/docstore/internal/store"
)

// Handler dispatches parsed command envelopes against the store and query
// executor. It holds no per-connection state; one Handler serves every
// connection.
type Handler struct {
	Store *store.Store
	Exec  *query.Executor
}

// New constructs a command handler.
func New(s *store.Store, exec *query.Executor) *Handler {
	return &Handler{Store: s, Exec: exec}
}

// Get implements the `get {collection, id}` command.
func (h *Handler) Get(collection, id string) (map[string]interface{}, error) {
	doc, found, err := h.Store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]interface{}{"found": false}, nil
	}
	return map[string]interface{}{"found": true, "value": doc.View()}, nil
}

// Set implements the `set {collection, document}` command: insert-or-update
// keyed by the document's `_id` field, generating a fresh id if absent.
func (h *Handler) Set(collection string, document map[string]interface{}) (map[string]interface{}, error) {
	id, hasID := document["_id"].(string)
	if !hasID || id == "" {
		generated, err := newDocumentID()
		if err != nil {
			return nil, dberr.Wrap(dberr.InternalError, err, "generate document id")
		}
		id = generated
	}

	data := make(map[string]interface{}, len(document))
	for k, v := range document {
		if k == "_id" {
			continue
		}
		data[k] = v
	}

	_, existing, err := h.Store.Get(collection, id)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{ID: id, Data: data}
	if existing {
		_, err = h.Store.Update(collection, doc)
	} else {
		_, err = h.Store.Insert(collection, doc)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"stored": true, "id": id}, nil
}

// Delete implements `delete {collection, id}`.
func (h *Handler) Delete(collection, id string) (map[string]interface{}, error) {
	deleted, err := h.Store.Delete(collection, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": deleted}, nil
}

// Exists implements `exists {collection, id}`.
func (h *Handler) Exists(collection, id string) (map[string]interface{}, error) {
	exists, err := h.Store.Exists(collection, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exists": exists}, nil
}

// Count implements `count {collection?}`: sums across all collections when
// collection is empty.
func (h *Handler) Count(collection string) (map[string]interface{}, error) {
	n, err := h.Store.Count(collection)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": n}, nil
}

// ListCollections implements `listCollections`.
func (h *Handler) ListCollections() (map[string]interface{}, error) {
	return map[string]interface{}{"collections": h.Store.ListCollections()}, nil
}

// Query implements the `query` command: runs the filter/sort/paginate
// pipeline through the query executor.
func (h *Handler) Query(ctx context.Context, q query.Query) (map[string]interface{}, error) {
	res, err := h.Exec.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"documents":       res.Documents,
		"skipped":         res.Skipped,
		"executionTimeMs": res.ExecutionTimeMs,
	}
	if res.TotalCount != nil {
		out["totalCount"] = *res.TotalCount
	}
	return out, nil
}

// Aggregate implements the `aggregate` command: runs a pipeline of stages
// over a fully loaded collection.
func (h *Handler) Aggregate(collection string, pipeline aggregate.Pipeline) (map[string]interface{}, error) {
	docs, err := h.Store.GetAll(collection)
	if err != nil {
		return nil, err
	}
	views := make([]aggregate.Doc, len(docs))
	for i, d := range docs {
		views[i] = aggregate.Doc(d.View())
	}
	result, err := pipeline.Run(views)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"documents": result}, nil
}

// CreateIndex implements the `createIndex {collection, field, keyType,
// unique}` command: declares a B-tree secondary index, building it from
// the collection's current documents.
func (h *Handler) CreateIndex(collection, field, keyType string, unique bool) (map[string]interface{}, error) {
	kt := index.KeyString
	if keyType == "number" {
		kt = index.KeyNumber
	}
	idx, err := h.Store.DeclareIndex(collection, field, kt, unique)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"created": true, "name": idx.Name()}, nil
}

// OperationType identifies one batch entry's kind.
type OperationType string

const (
	OpInsert OperationType = "Insert"
	OpUpdate OperationType = "Update"
	OpDelete OperationType = "Delete"
)

// Operation is a single entry in a BulkOperation request.
type Operation struct {
	OperationType OperationType
	DocumentID    string
	Document      map[string]interface{}
	UpdateFields  map[string]interface{}
	Filter        filter.Filter
}

// OperationResult reports the outcome of one batch entry.
type OperationResult struct {
	Index        int    `json:"index"`
	Success      bool   `json:"success"`
	DocumentID   string `json:"documentId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// BatchRequest mirrors the BulkOperation command payload.
type BatchRequest struct {
	Collection      string
	Operations      []Operation
	StopOnError     bool
	UseTransaction  bool
	TransactionID   string
}

// BatchResult mirrors the BulkOperationResponse payload.
type BatchResult struct {
	Success          bool              `json:"success"`
	Results          []OperationResult `json:"results"`
	InsertedCount    int               `json:"insertedCount"`
	UpdatedCount     int               `json:"updatedCount"`
	DeletedCount     int               `json:"deletedCount"`
	TotalProcessed   int               `json:"totalProcessed"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

// Batch runs a sequence of operations against one collection, stopping
// early on the first failure when req.StopOnError is set. Batch has no
// transactional rollback: entries already applied stay applied.
func (h *Handler) Batch(req BatchRequest) (*BatchResult, error) {
	if req.Collection == "" {
		return nil, dberr.New(dberr.InvalidBatch, "batch requires a collection")
	}

	start := time.Now()
	result := &BatchResult{Success: true}

	for i, op := range req.Operations {
		opResult := h.applyOperation(req.Collection, i, op)
		result.Results = append(result.Results, opResult)
		result.TotalProcessed++

		if opResult.Success {
			switch op.OperationType {
			case OpInsert:
				result.InsertedCount++
			case OpUpdate:
				result.UpdatedCount++
			case OpDelete:
				result.DeletedCount++
			}
		} else {
			result.Success = false
			if req.StopOnError {
				break
			}
		}
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

func (h *Handler) applyOperation(collection string, index int, op Operation) OperationResult {
	switch op.OperationType {
	case OpInsert:
		id := op.DocumentID
		if id == "" {
			if doc, ok := op.Document["_id"].(string); ok {
				id = doc
			}
		}
		if id == "" {
			generated, err := newDocumentID()
			if err != nil {
				return errResult(index, dberr.InternalError, err.Error())
			}
			id = generated
		}
		doc := &model.Document{ID: id, Data: cloneWithoutID(op.Document)}
		if _, err := h.Store.Insert(collection, doc); err != nil {
			return errResultFrom(index, err)
		}
		return OperationResult{Index: index, Success: true, DocumentID: id}

	case OpUpdate:
		if op.DocumentID == "" {
			return errResult(index, dberr.InvalidBatch, "update requires documentId")
		}
		existing, found, err := h.Store.Get(collection, op.DocumentID)
		if err != nil {
			return errResultFrom(index, err)
		}
		if !found {
			return errResult(index, dberr.NotFound, "document not found")
		}
		merged := existing.Clone()
		for k, v := range op.UpdateFields {
			merged.Data[k] = v
		}
		if _, err := h.Store.Update(collection, merged); err != nil {
			return errResultFrom(index, err)
		}
		return OperationResult{Index: index, Success: true, DocumentID: op.DocumentID}

	case OpDelete:
		if op.DocumentID == "" {
			return errResult(index, dberr.InvalidBatch, "delete requires documentId")
		}
		deleted, err := h.Store.Delete(collection, op.DocumentID)
		if err != nil {
			return errResultFrom(index, err)
		}
		if !deleted {
			return errResult(index, dberr.NotFound, "document not found")
		}
		return OperationResult{Index: index, Success: true, DocumentID: op.DocumentID}

	default:
		return errResult(index, dberr.InvalidBatch, "unknown operationType")
	}
}

func errResult(index int, code dberr.Code, message string) OperationResult {
	return OperationResult{Index: index, Success: false, ErrorCode: string(code), ErrorMessage: message}
}

func errResultFrom(index int, err error) OperationResult {
	if e, ok := dberr.As(err); ok {
		return errResult(index, e.Code, e.Message)
	}
	return errResult(index, dberr.InternalError, err.Error())
}

func cloneWithoutID(document map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(document))
	for k, v := range document {
		if k == "_id" {
			continue
		}
		data[k] = v
	}
	return data
}

func newDocumentID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
