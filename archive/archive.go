// Package archive packs a layer's staging tree into an immutable container,
// and provides random access to entries of a packed container without
// inflating it.
package archive

import "io"

// Archive is the packed form of a sealed layer.
type Archive interface {
	// ArchiveFrom packs the tree rooted at |dir| into the container.
	// IsArchived becomes true only after the container is completely written.
	// A failed ArchiveFrom leaves no partial container behind, and leaves
	// any previously packed container in place.
	ArchiveFrom(dir string) error
	// UnarchiveTo inflates the container into |dir|.
	UnarchiveTo(dir string) error
	// Open the file entry at slash-separated |path|.
	Open(path string) (io.ReadCloser, error)
	// FileExists returns whether a file or directory entry exists at |path|.
	FileExists(path string) (bool, error)
	// IsArchived returns whether the container has been fully written.
	IsArchived() bool
	// Entries returns all entries of the container, in packed order.
	Entries() ([]Entry, error)
	// Path of the container.
	Path() string
}

// Entry of a packed container.
type Entry struct {
	// Slash-separated path relative to the packed root. Directories do not
	// carry the trailing slash used by their container entry name.
	Path string
	Dir  bool
	Size int64
}
