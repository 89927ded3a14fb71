// Package fs is a cold store of containers on a local or mounted filesystem,
// addressed with file:// URLs.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/coldstore"
)

// FileSystemStoreRoot is the filesystem path which roots file:// cold stores.
// It must be set at program startup prior to use.
var FileSystemStoreRoot = "/dev/null/must/configure/file/store/root"

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// cold store URL.
type StoreQueryArgs struct {
	// Permission bits of written containers, in octal. Defaults to 0640.
	Mode string
}

type store struct {
	args   StoreQueryArgs
	prefix string
	mode   os.FileMode
}

// New creates a new filesystem Store from the provided URL.
func New(ep *url.URL) (coldstore.Store, error) {
	var s = &store{prefix: ep.Path, mode: 0640}

	if err := coldstore.ParseStoreArgs(ep, &s.args); err != nil {
		return nil, err
	}
	if s.args.Mode != "" {
		var mode uint32
		if _, err := fmt.Sscanf(s.args.Mode, "%o", &mode); err != nil {
			return nil, fmt.Errorf("parsing Mode %q: %w", s.args.Mode, err)
		}
		s.mode = os.FileMode(mode)
	}
	return s, nil
}

func (s *store) Provider() string { return "fs" }

func (s *store) resolve(path string) string {
	return filepath.Join(FileSystemStoreRoot, filepath.FromSlash(s.prefix), filepath.FromSlash(path))
}

func (s *store) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(s.resolve(path)); os.IsNotExist(err) {
		return false, nil
	} else if err == nil {
		return true, nil
	} else {
		return false, err
	}
}

func (s *store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(s.resolve(path))
}

func (s *store) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64) error {
	// Verify that the base directory exists (FileSystemStoreRoot + prefix).
	var baseDir = filepath.Join(FileSystemStoreRoot, filepath.FromSlash(s.prefix))
	if _, err := os.Stat(baseDir); err != nil {
		return fmt.Errorf("%s %s: %w", invalidFileStoreDirectory, baseDir, err)
	}
	var fsPath = s.resolve(path)

	if err := os.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return err
	}

	defer func(name string) {
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if err == nil {
		err = f.Chmod(s.mode)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(f.Name(), fsPath)
	}
	return err
}

func (s *store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var dir = s.resolve(prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir,
		func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			} else if info.IsDir() {
				return nil // Descend into directory.
			} else if strings.HasPrefix(info.Name(), ".partial-") {
				return nil // In-progress Put.
			}
			relPath, err := filepath.Rel(dir, name)
			if err != nil {
				return err
			}
			return callback(filepath.ToSlash(relPath), info.ModTime())
		})
}

func (s *store) Remove(_ context.Context, path string) error {
	return os.Remove(s.resolve(path))
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

const invalidFileStoreDirectory = "invalid file store directory"
