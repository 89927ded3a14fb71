package index

import "go.layerstore.dev/core/codecs"

// Type of an indexed path.
type Type string

const (
	// File is a regular file.
	File Type = "file"
	// Directory is a directory.
	Directory Type = "directory"
)

// Record of a path within a layer. Multiple Records may exist for a path,
// each from a different layer, and the Record having the greatest LayerID
// is authoritative.
type Record struct {
	// Surrogate ID of the Record.
	ID      int64
	LayerID int64
	// Slash-separated path relative to the storage root, having no leading
	// slash. The storage root itself is never recorded.
	Path string
	Type Type
	// Content inlined into the index, or nil if the file's content is held
	// only by its layer. Content is encoded with Codec.
	Content []byte
	Codec   codecs.Codec
}

// IsInline returns whether the Record carries inlined file content.
func (r Record) IsInline() bool { return r.Content != nil }
