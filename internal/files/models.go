// Package files implements the object store for message attachments: file
// metadata rows in the database plus content-addressed blobs on disk.
package files

import "time"

// FileContent is one stored attachment. StepID back-references the part that
// consumed the file; files never attached to a step are orphans and become
// cleanup candidates after a grace window.
type FileContent struct {
	ID           string    `json:"id"`
	RelativePath string    `json:"relative_path"`
	MediaType    string    `json:"media_type"`
	Size         int64     `json:"size"`
	StorageKey   string    `json:"storage_key"`
	TextContent  *string   `json:"text_content,omitempty"`
	SHA256       string    `json:"sha256"`
	StepID       *string   `json:"step_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
