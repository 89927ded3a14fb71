// Package coldstore offloads archive containers of sealed layers to cold
// object storage, and restores them from it. Stores are addressed by URL,
// and each URL scheme is served by a registered provider.
package coldstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/schema"
)

// Store of archive containers.
type Store interface {
	// Provider returns the name of the storage backend (eg, "s3", "gcs", "azure", "fs").
	Provider() string

	// Exists checks if a container exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)

	// Get returns an io.ReadCloser of the container at the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put durably writes content to the store at the given path.
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error

	// List enumerates all objects under the given prefix. The callback
	// receives the path relative to the prefix and its modification time.
	// If the callback returns an error, listing stops and that error
	// is returned.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error

	// Remove deletes content at the given path.
	Remove(ctx context.Context, path string) error

	// IsAuthError returns true if the error represents an authorization
	// failure (eg, missing permissions, bucket not found, access denied).
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)

// ParseStoreArgs decodes query arguments of the store URL |ep| into |args|.
// Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
