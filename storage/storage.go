// Package storage exposes the layer stack as a single hierarchical
// namespace of files and directories, as consumed by a versioned object
// repository. Reads resolve each path to its newest layer, writes land on
// the top layer, and deletions apply retroactively to every layer.
package storage

import (
	"bytes"
	"hash/fnv"
	"io"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/index"
	"go.layerstore.dev/core/layer"
	"go.layerstore.dev/core/manager"
	"go.layerstore.dev/core/metrics"
)

// Listing is an entry of a directory listing, named relative to the
// listed directory.
type Listing struct {
	Name string
	Type index.Type
}

// Storage is the layered namespace.
type Storage struct {
	manager *manager.Manager
	index   *index.Index
	policy  index.ContentPolicy
	fs      afero.Fs
	inline  *lru.Cache
}

// inlineKey identifies decoded inline content by its Record and encoding.
// Records are rewritten in place when a layer rewrites a path, so the
// encoded content is part of the key.
type inlineKey struct {
	id  int64
	sum uint64
}

// New returns a Storage over |m| and |idx|. Files selected by |policy| have
// their content inlined into the index, and up to |cacheSize| decoded inline
// files are cached. External paths, as used by MoveDirectoryInto and
// CopyFileInto, are resolved against |fs|.
func New(m *manager.Manager, idx *index.Index, policy index.ContentPolicy, fs afero.Fs, cacheSize int) (*Storage, error) {
	if policy == nil {
		policy = index.NoInlinePolicy{}
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	var cache, err = lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "building inline content cache")
	}
	return &Storage{manager: m, index: idx, policy: policy, fs: fs, inline: cache}, nil
}

// ListDirectory returns the immediate children of directory |path|.
func (s *Storage) ListDirectory(path string) ([]Listing, error) {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return nil, err
	}
	recs, err := s.index.ListDirectory(p)
	if err != nil {
		return nil, err
	}
	return toListings(p, recs), nil
}

// ListRecursive returns all files and directories beneath directory |path|.
func (s *Storage) ListRecursive(path string) ([]Listing, error) {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return nil, err
	}
	recs, err := s.index.ListRecursive(p)
	if err != nil {
		return nil, err
	}
	return toListings(p, recs), nil
}

// DirectoryIsEmpty returns whether directory |path| has no children.
func (s *Storage) DirectoryIsEmpty(path string) (bool, error) {
	var listing, err = s.ListDirectory(path)
	return len(listing) == 0, err
}

// FileExists returns whether any layer records |path|. It consults only
// the index.
func (s *Storage) FileExists(path string) (bool, error) {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return false, err
	} else if p == "" {
		return true, nil
	}
	if _, err = s.index.GetByPath(p); errdefs.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Read the file at |path| from the newest layer which holds it, or from
// its inlined content.
func (s *Storage) Read(path string) (io.ReadCloser, error) {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return nil, err
	}
	rec, err := s.index.GetByPath(p)
	if err != nil {
		return nil, err
	} else if rec.Type != index.File {
		return nil, errors.WithMessagef(errdefs.ErrConflict, "%q is a directory", p)
	}

	if rec.IsInline() {
		var b, err = s.decodeInline(rec)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	l, err := s.manager.GetLayer(rec.LayerID)
	if err != nil {
		return nil, err
	}
	return l.Read(p)
}

// ReadToString returns the content of the file at |path|.
func (s *Storage) ReadToString(path string) (string, error) {
	var rc, err = s.Read(path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var b strings.Builder
	if _, err = io.Copy(&b, rc); err != nil {
		return "", errdefs.IOFailure(err, "reading "+path)
	}
	return b.String(), nil
}

// Write |content| to the file at |path| of the top layer, creating its
// ancestor directories as required.
func (s *Storage) Write(path string, content []byte) error {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return err
	}
	return s.onTop(func(top *layer.Layer) error {
		if s.policy.Inline(p) {
			return top.WriteInline(p, content, s.policy.Codec(p))
		}
		return top.Write(p, bytes.NewReader(content))
	})
}

// CreateDirectories creates directory |path| and its ancestors in the top
// layer.
func (s *Storage) CreateDirectories(path string) error {
	return s.onTop(func(top *layer.Layer) error { return top.CreateDirectories(path) })
}

// CopyFileInto copies the external file |src| to |dest|.
func (s *Storage) CopyFileInto(src, dest string) error {
	var b, err = afero.ReadFile(s.fs, src)
	if err != nil {
		return errdefs.IOFailure(err, "reading "+src)
	}
	return s.Write(dest, b)
}

// CopyFileInternal copies the file |src| to |dest|.
func (s *Storage) CopyFileInternal(src, dest string) error {
	var rc, err = s.Read(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return errdefs.IOFailure(err, "reading "+src)
	}
	return s.Write(dest, b)
}

// CopyDirectoryOutOf copies directory |src| and everything beneath it to
// the external directory |dest|.
func (s *Storage) CopyDirectoryOutOf(src, dest string) error {
	var listing, err = s.ListRecursive(src)
	if err != nil {
		return err
	}
	if err = s.fs.MkdirAll(dest, 0750); err != nil {
		return errdefs.IOFailure(err, "creating "+dest)
	}
	var p, _ = layer.CleanPath(src)

	for _, entry := range listing {
		var target = strings.TrimSuffix(dest, "/") + "/" + entry.Name

		if entry.Type == index.Directory {
			if err = s.fs.MkdirAll(target, 0750); err != nil {
				return errdefs.IOFailure(err, "creating "+target)
			}
			continue
		}
		rc, err := s.Read(join(p, entry.Name))
		if err != nil {
			return err
		}
		err = afero.WriteReader(s.fs, target, rc)
		rc.Close()

		if err != nil {
			return errdefs.IOFailure(err, "writing "+target)
		}
	}
	return nil
}

// DeleteFile removes the file at |path| from every layer.
func (s *Storage) DeleteFile(path string) error { return s.DeleteFiles([]string{path}) }

// DeleteFiles removes the files at |paths| from every layer which holds
// them, including Archived layers, which are repacked. Paths held by no
// layer are ignored.
func (s *Storage) DeleteFiles(paths []string) error {
	var byLayer = make(map[*layer.Layer][]string)

	for _, path := range paths {
		var p, err = layer.CleanPath(path)
		if err != nil {
			return err
		}
		layers, err := s.manager.FindLayersContaining(p)
		if err != nil {
			return err
		}
		for _, l := range layers {
			byLayer[l] = append(byLayer[l], p)
		}
	}
	return forEachLayer(byLayer, func(l *layer.Layer, paths []string) error {
		return l.DeleteFiles(paths)
	})
}

// DeleteDirectory removes directory |path| and everything beneath it from
// every layer which holds it.
func (s *Storage) DeleteDirectory(path string) error {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return err
	}
	layers, err := s.manager.FindLayersContaining(p)
	if err != nil {
		return err
	} else if err = checkDeletable(layers); err != nil {
		return err
	}
	// Oldest first, so a failure leaves the newest content visible.
	for _, l := range layers {
		if err = l.DeleteDirectory(p); err != nil {
			return errors.WithMessagef(err, "deleting %q from layer %d", p, l.ID())
		}
	}
	return nil
}

// MoveDirectoryInto moves the external directory |src| to |dest| of the
// top layer.
func (s *Storage) MoveDirectoryInto(src, dest string) error {
	return s.onTop(func(top *layer.Layer) error { return top.MoveDirectoryInto(src, dest) })
}

// MoveDirectoryInternal moves directory |src| to |dest|. If only the top
// layer holds |src| it's moved within that layer. Otherwise its content is
// copied to |dest| of the top layer, and then deleted from every layer.
func (s *Storage) MoveDirectoryInternal(src, dest string) error {
	var top, err = s.manager.GetTopLayer()
	if err != nil {
		return err
	}
	s1, err := layer.CleanPath(src)
	if err != nil {
		return err
	}
	d, err := layer.CleanPath(dest)
	if err != nil {
		return err
	}
	layers, err := s.manager.FindLayersContaining(s1)
	if err != nil {
		return err
	} else if len(layers) == 0 {
		return errors.WithMessagef(errdefs.ErrNotFound, "directory %q", s1)
	} else if len(layers) == 1 && layers[0] == top {
		return top.MoveDirectoryInternal(s1, d)
	}

	if ok, err := s.FileExists(d); err != nil {
		return err
	} else if ok {
		return errors.WithMessagef(errdefs.ErrConflict, "%q exists", d)
	}
	listing, err := s.ListRecursive(s1)
	if err != nil {
		return err
	}
	if err = top.CreateDirectories(d); err != nil {
		return err
	}
	for _, entry := range listing {
		if entry.Type == index.Directory {
			err = top.CreateDirectories(join(d, entry.Name))
		} else {
			err = s.CopyFileInternal(join(s1, entry.Name), join(d, entry.Name))
		}
		if err != nil {
			return errors.WithMessagef(err, "copying %q", entry.Name)
		}
	}
	return s.DeleteDirectory(s1)
}

// DeleteEmptyDirsDown removes every empty directory beneath |path|,
// deepest first, so that directories which hold only empty directories
// are removed as well.
func (s *Storage) DeleteEmptyDirsDown(path string) error {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return err
	}
	listing, err := s.ListRecursive(p)
	if err != nil {
		return err
	}
	sort.SliceStable(listing, func(i, j int) bool { return len(listing[i].Name) > len(listing[j].Name) })

	for _, entry := range listing {
		if entry.Type != index.Directory {
			continue
		}
		var dir = join(p, entry.Name)

		if empty, err := s.DirectoryIsEmpty(dir); err != nil {
			return err
		} else if empty {
			if err = s.DeleteDirectory(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteEmptyDirsUp removes directory |path| if it's empty, and then each
// of its ancestors which has become empty, stopping at the first which
// isn't. The root is never removed.
func (s *Storage) DeleteEmptyDirsUp(path string) error {
	var p, err = layer.CleanPath(path)
	if err != nil {
		return err
	}
	for ; p != ""; p = layer.Parent(p) {
		var empty, err = s.DirectoryIsEmpty(p)
		if errdefs.IsNotFound(err) {
			continue // Already removed.
		} else if err != nil {
			return err
		} else if !empty {
			return nil
		}
		if err = s.DeleteDirectory(p); err != nil {
			return err
		}
	}
	return nil
}

// Close the Storage, draining pending archive jobs.
func (s *Storage) Close() { s.manager.Close() }

func (s *Storage) decodeInline(rec index.Record) ([]byte, error) {
	var h = fnv.New64a()
	_, _ = h.Write(rec.Content)
	var key = inlineKey{id: rec.ID, sum: h.Sum64()}

	if v, ok := s.inline.Get(key); ok {
		metrics.InlineReadsTotal.WithLabelValues("hit").Inc()
		return v.([]byte), nil
	}
	metrics.InlineReadsTotal.WithLabelValues("miss").Inc()

	var b, err = codecs.Decompress(rec.Codec, rec.Content)
	if err != nil {
		log.WithFields(log.Fields{"path": rec.Path, "codec": rec.Codec, "err": err}).
			Warn("failed to decode inline content")
		return nil, errdefs.IOFailure(err, "decoding inline content of "+rec.Path)
	}
	s.inline.Add(key, b)
	return b, nil
}

func forEachLayer(byLayer map[*layer.Layer][]string, fn func(*layer.Layer, []string) error) error {
	var layers = make([]*layer.Layer, 0, len(byLayer))
	for l := range byLayer {
		layers = append(layers, l)
	}
	if err := checkDeletable(layers); err != nil {
		return err
	}
	// Oldest first, so a failure leaves the newest content visible.
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID() < layers[j].ID() })

	for _, l := range layers {
		if err := fn(l, byLayer[l]); err != nil {
			return errors.WithMessagef(err, "layer %d", l.ID())
		}
	}
	return nil
}

// checkDeletable fails with ErrTransientUnavailable if any of |layers| is
// Closing, before a deletion mutates any of them.
func checkDeletable(layers []*layer.Layer) error {
	for _, l := range layers {
		if state := l.State(); state == layer.Closing {
			return errors.WithMessagef(errdefs.ErrTransientUnavailable, "layer %d is %s", l.ID(), state)
		}
	}
	return nil
}

// onTop applies |fn| to the top layer. If the top layer was closed by a
// concurrent rollover, |fn| is applied once more to the new top layer.
func (s *Storage) onTop(fn func(*layer.Layer) error) error {
	var top, err = s.manager.GetTopLayer()
	if err != nil {
		return err
	}
	if err = fn(top); !errdefs.IsNotWritable(err) {
		return err
	}
	next, nextErr := s.manager.GetTopLayer()
	if nextErr != nil {
		return nextErr
	} else if next == top {
		return err
	}
	return fn(next)
}

func toListings(dir string, recs []index.Record) []Listing {
	var out = make([]Listing, len(recs))
	for i, rec := range recs {
		var name = rec.Path
		if dir != "" {
			name = strings.TrimPrefix(name, dir+"/")
		}
		out[i] = Listing{Name: name, Type: rec.Type}
	}
	return out
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
