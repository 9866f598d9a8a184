// Package ingest turns files into stored documents with a queue entry each.
package ingest

import (
	"time"

	"github.com/google/uuid"
)

// Result is the per-file ingest outcome.
type Result struct {
	SourcePath   string    `json:"source_path,omitempty"`
	DocumentID   uuid.UUID `json:"document_id"`
	EntryID      uuid.UUID `json:"entry_id,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	SHA256       string    `json:"sha256"`
	FileExt      string    `json:"file_ext"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Err          string    `json:"error,omitempty"`
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}
