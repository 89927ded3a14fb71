// Package layer implements one tier of the layer stack. A Layer owns a
// mutable staging directory and, once sealed, an immutable archive
// container, and gates mutations of them through an explicit State and
// a shared/exclusive mutation gate.
package layer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/archive"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/gate"
	"go.layerstore.dev/core/index"
	"go.layerstore.dev/core/metrics"
)

// Layer is one tier of the layer stack.
type Layer struct {
	id         int64
	fs         afero.Fs
	stagingDir string
	archive    archive.Archive
	index      *index.Index
	gate       *gate.Gate

	mu    sync.Mutex
	state State
}

// New returns a Layer of |id| in |state|, having staging directory
// |stagingDir| of |fs| and archive container |arch|. The caller is
// responsible for creating the staging directory of an Open Layer.
func New(id int64, fs afero.Fs, stagingDir string, arch archive.Archive, idx *index.Index, state State) *Layer {
	return &Layer{
		id:         id,
		fs:         fs,
		stagingDir: stagingDir,
		archive:    arch,
		index:      idx,
		gate:       gate.New(),
		state:      state,
	}
}

// ID of the Layer.
func (l *Layer) ID() int64 { return l.id }

// StagingDir of the Layer.
func (l *Layer) StagingDir() string { return l.stagingDir }

// Container returns the Archive of the Layer.
func (l *Layer) Container() archive.Archive { return l.archive }

// State of the Layer.
func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CreateDirectories creates the directory |path| and its ancestors,
// and records them in the index.
func (l *Layer) CreateDirectories(path string) error {
	var p, err = CleanPath(path)
	if err != nil {
		return err
	}
	lease, err := l.beginWrite()
	if err != nil {
		return err
	}
	defer lease.Release()

	added, err := l.index.AddDirectory(l.id, p)
	if err != nil {
		return err
	}
	if err = l.fs.MkdirAll(l.resolve(p), 0750); err != nil {
		l.undoRecords(added)
		return errdefs.IOFailure(err, "creating directories")
	}
	return nil
}

// Write the content of |r| to the file at |path|, creating its ancestor
// directories as required.
func (l *Layer) Write(path string, r io.Reader) error {
	return l.write(path, r, nil, codecs.NONE)
}

// WriteInline writes |content| to the file at |path| as does Write,
// and also inlines it into the index encoded with |codec|.
func (l *Layer) WriteInline(path string, content []byte, codec codecs.Codec) error {
	var enc, err = codecs.Compress(codec, content)
	if err != nil {
		return errors.Wrap(err, "encoding inline content")
	} else if enc == nil {
		enc = []byte{}
	}
	return l.write(path, bytes.NewReader(content), enc, codec)
}

func (l *Layer) write(path string, r io.Reader, inline []byte, codec codecs.Codec) error {
	var p, err = cleanNonRoot(path)
	if err != nil {
		return err
	}
	lease, err := l.beginWrite()
	if err != nil {
		return err
	}
	defer lease.Release()

	// Check for a conflicting directory before touching the staging tree.
	if rec, err := l.index.GetByPath(p); err == nil && rec.Type == index.Directory {
		return errors.WithMessagef(errdefs.ErrConflict, "%q is a directory", p)
	} else if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	added, err := l.index.AddDirectory(l.id, Parent(p))
	if err != nil {
		return err
	}
	if err = afero.WriteReader(l.fs, l.resolve(p), r); err != nil {
		l.undoRecords(added)
		return errdefs.IOFailure(err, "writing "+p)
	}
	if _, err = l.index.AddFileWithContent(l.id, p, inline, codec); err != nil {
		if rmErr := l.fs.Remove(l.resolve(p)); rmErr != nil {
			log.WithFields(log.Fields{"layer": l.id, "path": p, "err": rmErr}).
				Warn("failed to remove unindexed file")
		}
		l.undoRecords(added)
		return err
	}
	return nil
}

// Read the file at |path|. An Archived Layer reads from its container,
// and other Layers read from staging. The returned ReadCloser remains valid
// even if the Layer is archived while it's being read.
func (l *Layer) Read(path string) (io.ReadCloser, error) {
	var p, err = cleanNonRoot(path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Archived {
		return l.archive.Open(p)
	}
	f, err := l.fs.Open(l.resolve(p))
	if os.IsNotExist(err) {
		return nil, errors.WithMessagef(errdefs.ErrNotFound, "%q in layer %d", p, l.id)
	} else if err != nil {
		return nil, errdefs.IOFailure(err, "opening "+p)
	}
	return f, nil
}

// FileExists returns whether the Layer holds a file or directory at |path|,
// whether it's read from staging or from the container.
func (l *Layer) FileExists(path string) (bool, error) {
	var p, err = cleanNonRoot(path)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Archived {
		return l.archive.FileExists(p)
	}
	ok, err := afero.Exists(l.fs, l.resolve(p))
	if err != nil {
		return false, errdefs.IOFailure(err, "checking "+p)
	}
	return ok, nil
}

// DeleteFiles removes the files at |paths|, and this Layer's records of
// them. Open and Closed Layers remove them from staging. Archived Layers
// unpack their container, remove them, and repack. Closing Layers fail
// with ErrTransientUnavailable.
func (l *Layer) DeleteFiles(paths []string) error {
	var cleaned = make([]string, len(paths))
	for i, path := range paths {
		var err error
		if cleaned[i], err = cleanNonRoot(path); err != nil {
			return err
		}
	}
	return l.deleteAll(cleaned, false)
}

// DeleteDirectory removes the directory at |path| and everything beneath
// it, and this Layer's records of them. It's permitted in the same States
// as DeleteFiles.
func (l *Layer) DeleteDirectory(path string) error {
	var p, err = cleanNonRoot(path)
	if err != nil {
		return err
	}
	return l.deleteAll([]string{p}, true)
}

func (l *Layer) deleteAll(paths []string, recursive bool) error {
	for {
		var state = l.State()

		switch state {
		case Open, Closed:
		case Archived:
			return l.deleteArchived(paths, recursive)
		default:
			return errors.WithMessagef(errdefs.ErrTransientUnavailable,
				"layer %d is %s", l.id, state)
		}

		var lease, err = l.gate.Share(context.Background())
		if err != nil {
			return err
		}
		if l.State() != state {
			// Raced with a transition. Retry under the new State.
			lease.Release()
			continue
		}
		err = l.deleteFrom(l.stagingDir, paths, recursive, nil)
		lease.Release()
		return err
	}
}

// deleteArchived applies a deletion to an Archived Layer by unpacking its
// container into a fresh directory, removing |paths|, and repacking.
// Records are removed only once the repacked container is in place.
func (l *Layer) deleteArchived(paths []string, recursive bool) (err error) {
	var lease *gate.Lease
	if lease, err = l.gate.Exclusive(context.Background()); err != nil {
		return err
	}
	defer lease.Release()

	defer func() {
		var status = metrics.Ok
		if err != nil {
			status = metrics.Fail
		}
		metrics.RepacksTotal.WithLabelValues(status).Inc()
	}()

	var dir = l.stagingDir + ".unpack-" + uuid.New().String()
	defer l.reclaim(dir)

	if err = l.archive.UnarchiveTo(dir); err != nil {
		return err
	}
	err = l.deleteFrom(dir, paths, recursive, func() error {
		return l.archive.ArchiveFrom(dir)
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"layer": l.id, "paths": paths}).Info("repacked archived layer")
	return nil
}

// deleteFrom removes |paths| from the tree at |root|, and then removes the
// Layer's records of them. Every path is validated before any is removed,
// and removed paths are first moved aside so they may be restored should a
// later step fail. If |commit| is non-nil, it's called after removal and
// before records are deleted. A path which is recorded but already absent
// from |root| was removed by an earlier delete which failed to complete,
// and only its records are deleted.
func (l *Layer) deleteFrom(root string, paths []string, recursive bool, commit func() error) error {
	paths = dedup(paths)

	var records []index.Record
	if recursive {
		for _, p := range paths {
			var recs, err = l.index.GetByLayerUnder(l.id, p)
			if err != nil {
				return err
			}
			records = append(records, recs...)
		}
	} else {
		var err error
		if records, err = l.index.GetByLayerAndPaths(l.id, paths); err != nil {
			return err
		}
	}

	var present []string
	for _, p := range paths {
		var info, err = l.fs.Stat(filepath.Join(root, filepath.FromSlash(p)))

		if os.IsNotExist(err) {
			if !recorded(records, p) {
				return errors.WithMessagef(errdefs.ErrNotFound, "%q in layer %d", p, l.id)
			}
			continue
		} else if err != nil {
			return errdefs.IOFailure(err, "stat of "+p)
		} else if info.IsDir() && !recursive {
			return errors.WithMessagef(errdefs.ErrConflict, "%q is a directory", p)
		}
		present = append(present, p)
	}

	var trash = root + ".trash-" + uuid.New().String()
	if err := l.fs.MkdirAll(trash, 0750); err != nil {
		return errdefs.IOFailure(err, "creating "+trash)
	}
	defer l.reclaim(trash)

	var moved int
	var restore = func() {
		for i := moved - 1; i >= 0; i-- {
			var p = present[i]
			if err := l.fs.Rename(filepath.Join(trash, strconv.Itoa(i)), filepath.Join(root, filepath.FromSlash(p))); err != nil {
				log.WithFields(log.Fields{"layer": l.id, "path": p, "err": err}).
					Error("failed to restore path of failed delete")
			}
		}
	}

	for i, p := range present {
		if err := l.fs.Rename(filepath.Join(root, filepath.FromSlash(p)), filepath.Join(trash, strconv.Itoa(i))); err != nil {
			restore()
			return errdefs.IOFailure(err, "removing "+p)
		}
		moved++
	}
	if commit != nil {
		if err := commit(); err != nil {
			restore()
			return err
		}
	}
	if err := l.index.DeleteRecords(records); err != nil {
		restore()
		return err
	}
	return nil
}

// MoveDirectoryInto moves the directory at |external|, which is not managed
// by the store, to |dest| of the Layer and indexes everything beneath it.
func (l *Layer) MoveDirectoryInto(external, dest string) error {
	var p, err = cleanNonRoot(dest)
	if err != nil {
		return err
	}
	lease, err := l.beginWrite()
	if err != nil {
		return err
	}
	defer lease.Release()

	if info, err := l.fs.Stat(external); err != nil {
		return errors.WithMessagef(errdefs.ErrNotFound, "external directory %s", external)
	} else if !info.IsDir() {
		return errors.WithMessagef(errdefs.ErrConflict, "%s is not a directory", external)
	}
	return l.relocate(external, p, nil)
}

// MoveDirectoryInternal moves the directory |src| of the Layer's staging
// tree to |dest|, and re-indexes everything beneath it.
func (l *Layer) MoveDirectoryInternal(src, dest string) error {
	var s, err = cleanNonRoot(src)
	if err != nil {
		return err
	}
	d, err := cleanNonRoot(dest)
	if err != nil {
		return err
	}
	lease, err := l.beginWrite()
	if err != nil {
		return err
	}
	defer lease.Release()

	if info, err := l.fs.Stat(l.resolve(s)); err != nil {
		return errors.WithMessagef(errdefs.ErrNotFound, "%q in layer %d", s, l.id)
	} else if !info.IsDir() {
		return errors.WithMessagef(errdefs.ErrConflict, "%q is not a directory", s)
	}
	moved, err := l.index.GetByLayerUnder(l.id, s)
	if err != nil {
		return err
	}
	return l.relocate(l.resolve(s), d, moved)
}

// relocate renames |from| to |dest| within staging, and replaces |stale|
// records with records of the relocated tree. The relocated tree is checked
// against the index before anything is renamed, and the rename is undone
// if the index cannot be updated.
func (l *Layer) relocate(from, dest string, stale []index.Record) error {
	var to = l.resolve(dest)

	if ok, err := afero.Exists(l.fs, to); err != nil {
		return errdefs.IOFailure(err, "checking "+dest)
	} else if ok {
		return errors.WithMessagef(errdefs.ErrConflict, "%q already exists in layer %d", dest, l.id)
	}

	var dirs, files []string
	var err = afero.Walk(l.fs, from, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, name)
		if err != nil {
			return err
		}
		var p = dest
		if rel != "." {
			p = dest + "/" + filepath.ToSlash(rel)
		}
		if info.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return errdefs.IOFailure(err, "walking "+from)
	}
	if err = l.index.CheckTypes(dirs, files); err != nil {
		return err
	}

	// Track the outermost ancestor created for |dest|, so that it can be
	// reclaimed if the move fails.
	var created string
	for p := Parent(dest); p != ""; p = Parent(p) {
		if ok, err := afero.DirExists(l.fs, l.resolve(p)); err != nil {
			return errdefs.IOFailure(err, "checking "+p)
		} else if ok {
			break
		}
		created = p
	}
	var undo = func() {
		if created != "" {
			if rmErr := l.fs.RemoveAll(l.resolve(created)); rmErr != nil {
				log.WithFields(log.Fields{"layer": l.id, "path": created, "err": rmErr}).
					Warn("failed to remove directories of failed move")
			}
		}
	}

	if err = l.fs.MkdirAll(filepath.Dir(to), 0750); err != nil {
		undo()
		return errdefs.IOFailure(err, "creating parent of "+dest)
	} else if err = l.fs.Rename(from, to); err != nil {
		undo()
		return errdefs.IOFailure(err, "moving to "+dest)
	}
	if _, err = l.index.ReplaceRecords(stale, l.id, dirs, files); err != nil {
		if mvErr := l.fs.Rename(to, from); mvErr != nil {
			log.WithFields(log.Fields{"layer": l.id, "from": dest, "to": from, "err": mvErr}).
				Error("failed to restore directory of failed move")
			return err
		}
		undo()
		return err
	}
	return nil
}

// Close transitions an Open Layer to Closing, which rejects new mutations,
// and then blocks until in-flight mutations drain before transitioning
// to Closed.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.state != Open {
		var state = l.state
		l.mu.Unlock()
		return errors.WithMessagef(errdefs.ErrNotWritable, "layer %d is %s", l.id, state)
	}
	l.state = Closing
	l.mu.Unlock()
	l.recordTransition(Closing)

	if err := l.gate.Drain(context.Background()); err != nil {
		return err
	}

	l.mu.Lock()
	l.state = Closed
	l.mu.Unlock()
	l.recordTransition(Closed)

	return nil
}

// Archive packs the staging tree of a Closed Layer into its container.
// Only once packing fully succeeds does the Layer become Archived and its
// staging directory reclaimed. A failed Archive leaves the Layer Closed.
// Archive holds the exclusive lease of the Layer's mutation gate throughout.
func (l *Layer) Archive() error {
	var lease, err = l.gate.Exclusive(context.Background())
	if err != nil {
		return err
	}
	defer lease.Release()

	if state := l.State(); state == Archived {
		return errors.Errorf("layer %d is already archived", l.id)
	} else if state != Closed {
		return errors.WithMessagef(errdefs.ErrTransientUnavailable, "layer %d is %s", l.id, state)
	}

	if err = l.archive.ArchiveFrom(l.stagingDir); err != nil {
		return err
	}

	l.mu.Lock()
	l.state = Archived
	l.mu.Unlock()

	if err = l.fs.RemoveAll(l.stagingDir); err != nil {
		log.WithFields(log.Fields{"layer": l.id, "dir": l.stagingDir, "err": err}).
			Warn("failed to reclaim staging directory")
	}
	l.recordTransition(Archived)

	return nil
}

// beginWrite acquires a shared lease for a mutation which requires an
// Open Layer. The lease is taken before the State is checked, so that
// Close cannot observe a drained gate while the mutation proceeds.
func (l *Layer) beginWrite() (*gate.Lease, error) {
	var lease, err = l.gate.Share(context.Background())
	if err != nil {
		return nil, err
	}
	if state := l.State(); state != Open {
		lease.Release()
		return nil, errors.WithMessagef(errdefs.ErrNotWritable, "layer %d is %s", l.id, state)
	}
	return lease, nil
}

func (l *Layer) recordTransition(state State) {
	metrics.LayerTransitionsTotal.WithLabelValues(state.String()).Inc()

	if err := l.index.SaveLayerState(l.id, state.String()); err != nil {
		log.WithFields(log.Fields{"layer": l.id, "state": state, "err": err}).
			Warn("failed to persist layer state")
	}
}

// undoRecords removes records added by a mutation which then failed.
func (l *Layer) undoRecords(added []index.Record) {
	if len(added) == 0 {
		return
	}
	if err := l.index.DeleteRecords(added); err != nil {
		log.WithFields(log.Fields{"layer": l.id, "err": err}).
			Warn("failed to remove records of failed mutation")
	}
}

// reclaim removes the scratch directory |dir|.
func (l *Layer) reclaim(dir string) {
	if err := l.fs.RemoveAll(dir); err != nil {
		log.WithFields(log.Fields{"layer": l.id, "dir": dir, "err": err}).
			Warn("failed to reclaim scratch directory")
	}
}

func recorded(records []index.Record, p string) bool {
	for _, rec := range records {
		if rec.Path == p {
			return true
		}
	}
	return false
}

func dedup(paths []string) []string {
	var seen = make(map[string]struct{}, len(paths))
	var out = paths[:0:0]
	for _, p := range paths {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (l *Layer) resolve(p string) string {
	return filepath.Join(l.stagingDir, filepath.FromSlash(p))
}
