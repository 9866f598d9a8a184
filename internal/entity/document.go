package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document is an uploaded medical document and, once processed, its merged result.
type Document struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	StorageKey    string          `json:"storage_key"`
	Filename      string          `json:"filename"`
	FileExt       string          `json:"file_ext"`
	ContentType   string          `json:"content_type"`
	ContentSHA256 string          `json:"content_sha256"`
	FileSize      int64           `json:"file_size"`
	UploadedAt    time.Time       `json:"uploaded_at"`
	Result        json.RawMessage `json:"result,omitempty"`
	Hybrid        *bool           `json:"hybrid,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}
