// Package model defines the document record shared by the store, cache,
// index, filter, query, and cursor subsystems.
package model

import (
	"encoding/json"
	"time"
)

// Document is a JSON-shaped record with identity and metadata.
type Document struct {
	ID        string                 `json:"Id"`
	Data      map[string]interface{} `json:"Data"`
	CreatedAt time.Time              `json:"CreatedAt"`
	UpdatedAt time.Time              `json:"UpdatedAt"`
	Version   uint64                 `json:"Version"`
}

// Clone returns a deep-enough copy: metadata fields and a fresh top-level
// map, sufficient to let callers mutate Data without aliasing the stored
// document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	data := make(map[string]interface{}, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	return &Document{
		ID:        d.ID,
		Data:      data,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Version:   d.Version,
	}
}

// Get resolves a dot-path against Data, descending through nested objects.
// A missing intermediate or terminal key yields (nil, false).
func (d *Document) Get(path string) (interface{}, bool) {
	return Resolve(d.Data, path)
}

// View renders the document as the flattened JSON object clients see:
// Data's keys plus "_id", matching the shape used in command responses
// ({"n":1,"_id":"k"}).
func (d *Document) View() map[string]interface{} {
	out := make(map[string]interface{}, len(d.Data)+1)
	for k, v := range d.Data {
		out[k] = v
	}
	out["_id"] = d.ID
	return out
}

// MarshalFile renders the on-disk JSON representation: pretty-printed,
// with the case-sensitive field names the persisted layout documents.
func (d *Document) MarshalFile() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// fileDoc accepts any casing for the metadata field names on read, since
// persisted files are documented as case-insensitive on read.
type fileDoc struct {
	ID        string                 `json:"Id"`
	Data      map[string]interface{} `json:"Data"`
	CreatedAt time.Time              `json:"CreatedAt"`
	UpdatedAt time.Time              `json:"UpdatedAt"`
	Version   uint64                 `json:"Version"`
}

// UnmarshalFile parses the on-disk JSON representation of a document,
// tolerating field-name casing variation as the persisted format requires.
func UnmarshalFile(raw []byte) (*Document, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	normalized := make(map[string]json.RawMessage, len(generic))
	for k, v := range generic {
		normalized[caseInsensitiveKey(k)] = v
	}
	reencoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	var fd fileDoc
	if err := json.Unmarshal(reencoded, &fd); err != nil {
		return nil, err
	}
	if fd.Data == nil {
		fd.Data = map[string]interface{}{}
	}
	return &Document{
		ID:        fd.ID,
		Data:      fd.Data,
		CreatedAt: fd.CreatedAt,
		UpdatedAt: fd.UpdatedAt,
		Version:   fd.Version,
	}, nil
}

func caseInsensitiveKey(k string) string {
	switch {
	case equalFold(k, "id"):
		return "Id"
	case equalFold(k, "data"):
		return "Data"
	case equalFold(k, "createdat"):
		return "CreatedAt"
	case equalFold(k, "updatedat"):
		return "UpdatedAt"
	case equalFold(k, "version"):
		return "Version"
	default:
		return k
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Resolve descends a dot-path through a nested map, returning (nil, false)
// for a missing intermediate or terminal key.
func Resolve(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	cur := interface{}(data)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			v, present := m[seg]
			if !present {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}
