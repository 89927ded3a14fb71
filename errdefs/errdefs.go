// Package errdefs defines the error taxonomy shared by the layer store.
// Callers classify errors with the Is* predicates (or errors.Is against the
// sentinels) rather than by matching messages.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotWritable is returned by a mutating call on a layer which is not Open.
	ErrNotWritable = errors.New("layer not writable")
	// ErrInvalidPath is returned for blank paths, and paths which escape
	// the root of the storage.
	ErrInvalidPath = errors.New("invalid path")
	// ErrConflict is returned where a path would be recorded as a file in one
	// layer, and as a directory in another (or the same) layer.
	ErrConflict = errors.New("conflicting path type")
	// ErrNotFound is returned for a missing directory, layer, or path.
	ErrNotFound = errors.New("not found")
	// ErrTransientUnavailable is returned by an operation which is valid in
	// principle, but is blocked by an in-progress close or archive.
	// The caller should retry.
	ErrTransientUnavailable = errors.New("temporarily unavailable")
	// ErrIOFailure marks a failure of the underlying storage medium.
	ErrIOFailure = errors.New("i/o failure")
)

// IsNotWritable returns true if the error is due to a non-Open layer.
func IsNotWritable(err error) bool { return errors.Is(err, ErrNotWritable) }

// IsInvalidPath returns true if the error is due to an invalid path.
func IsInvalidPath(err error) bool { return errors.Is(err, ErrInvalidPath) }

// IsConflict returns true if the error is due to a file/directory type conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound returns true if the error is due to a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransientUnavailable returns true if the operation may be retried.
func IsTransientUnavailable(err error) bool { return errors.Is(err, ErrTransientUnavailable) }

// IsIOFailure returns true if the error is due to the storage medium.
func IsIOFailure(err error) bool { return errors.Is(err, ErrIOFailure) }

// IOFailure wraps |err| of the underlying medium with |msg|, such that the
// result satisfies IsIOFailure while still unwrapping to |err|.
// IOFailure returns nil if |err| is nil.
func IOFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ioFailure{cause: err, msg: msg}
}

type ioFailure struct {
	cause error
	msg   string
}

func (e *ioFailure) Error() string        { return e.msg + ": " + e.cause.Error() }
func (e *ioFailure) Unwrap() error        { return e.cause }
func (e *ioFailure) Is(target error) bool { return target == ErrIOFailure }
