package coldstore

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/metrics"
)

// Offload the container |content| of |size| bytes to each of |stores| under
// |name|, skipping stores where it already exists. Offload attempts every
// store, and returns the first error encountered.
func Offload(ctx context.Context, stores []Store, name string, content io.ReaderAt, size int64) error {
	var firstErr error

	for _, store := range stores {
		var err = offloadOne(ctx, store, name, content, size)

		var status = metrics.Ok
		if err != nil {
			status = metrics.Fail
			if firstErr == nil {
				firstErr = fmt.Errorf("offloading %s to %s: %w", name, store.Provider(), err)
			}
		}
		metrics.OffloadsTotal.WithLabelValues(store.Provider(), status).Inc()
	}
	return firstErr
}

func offloadOne(ctx context.Context, store Store, name string, content io.ReaderAt, size int64) error {
	if ok, err := store.Exists(ctx, name); err != nil {
		return err
	} else if ok {
		return nil // Containers are immutable. A present one is complete.
	}
	if err := store.Put(ctx, name, content, size); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"store": store.Provider(),
		"name":  name,
		"size":  size,
	}).Info("offloaded container")

	return nil
}

// Restore copies the container |name| of |store| into |w|.
func Restore(ctx context.Context, store Store, name string, w io.Writer) error {
	var rc, err = store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("fetching %s from %s: %w", name, store.Provider(), err)
	}
	defer rc.Close()

	if _, err = io.Copy(w, rc); err != nil {
		return fmt.Errorf("restoring %s from %s: %w", name, store.Provider(), err)
	}
	return nil
}
