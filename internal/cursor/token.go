package cursor

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/filter"
)

// resumeTokenPayload is the opaque structure a resume token encodes:
// (cursor_id, last_document_id, created_at, filter, sort).
type resumeTokenPayload struct {
	CursorID       string                `json:"cursorId"`
	LastDocumentID string                `json:"lastDocumentId"`
	CreatedAt      time.Time             `json:"createdAt"`
	Filter         filter.Filter         `json:"filter"`
	Sort           []aggregate.SortSpec  `json:"sort"`
}

func encodeResumeToken(p resumeTokenPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func decodeResumeToken(token string) (resumeTokenPayload, error) {
	var p resumeTokenPayload
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}
