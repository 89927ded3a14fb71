package archive

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.layerstore.dev/core/errdefs"
)

// ZipArchive is an Archive stored as a zip container.
type ZipArchive struct {
	fs       afero.Fs
	path     string
	archived atomic.Bool
}

var _ Archive = (*ZipArchive)(nil)

// NewZipArchive returns a ZipArchive of the container at |path| of |fs|.
// The ZipArchive is considered archived if the container already exists.
func NewZipArchive(fs afero.Fs, path string) (*ZipArchive, error) {
	var a = &ZipArchive{fs: fs, path: path}

	if ok, err := afero.Exists(fs, path); err != nil {
		return nil, errdefs.IOFailure(err, "checking for container")
	} else if ok {
		a.archived.Store(true)
	}
	return a, nil
}

// Path of the container.
func (a *ZipArchive) Path() string { return a.path }

// IsArchived returns whether the container has been fully written.
func (a *ZipArchive) IsArchived() bool { return a.archived.Load() }

// ArchiveFrom packs |dir| into a uniquely named partial file beside the
// container, and renames it into place only once it's been closed and
// synced. Readers of a replaced container continue to read the version
// they opened.
func (a *ZipArchive) ArchiveFrom(dir string) error {
	if err := a.fs.MkdirAll(filepath.Dir(a.path), 0750); err != nil {
		return errdefs.IOFailure(err, "creating container directory")
	}
	var partial = a.path + ".partial-" + uuid.New().String()

	f, err := a.fs.Create(partial)
	if err != nil {
		return errdefs.IOFailure(err, "creating partial container")
	}
	defer func() {
		if rmErr := a.fs.Remove(partial); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": partial}).
				Warn("failed to cleanup partial container")
		}
	}()

	var zw = zip.NewWriter(f)
	err = afero.Walk(a.fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		} else if rel == "." {
			return nil
		}
		return writeEntry(a.fs, zw, filepath.ToSlash(rel), name, info)
	})

	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = a.fs.Rename(partial, a.path)
	}
	if err != nil {
		return errdefs.IOFailure(err, "packing "+dir)
	}
	a.archived.Store(true)
	return nil
}

func writeEntry(fs afero.Fs, zw *zip.Writer, rel, name string, info os.FileInfo) error {
	var hdr, err = zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	if info.IsDir() {
		hdr.Name = rel + "/"
		hdr.Method = zip.Store
		_, err = zw.CreateHeader(hdr)
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(w, src)
	return err
}

// UnarchiveTo inflates the container into |dir|, which is created if needed.
func (a *ZipArchive) UnarchiveTo(dir string) error {
	var f, zr, err = a.openReader()
	if err != nil {
		return err
	}
	defer f.Close()

	if err = a.fs.MkdirAll(dir, 0750); err != nil {
		return errdefs.IOFailure(err, "creating unpack directory")
	}
	for _, zf := range zr.File {
		var target = filepath.Join(dir, filepath.FromSlash(zf.Name))

		if !within(dir, target) {
			return errors.WithMessagef(errdefs.ErrInvalidPath, "container entry %q escapes %s", zf.Name, dir)
		} else if strings.HasSuffix(zf.Name, "/") {
			err = a.fs.MkdirAll(target, 0750)
		} else {
			err = a.inflate(zf, target)
		}
		if err != nil {
			return errdefs.IOFailure(err, "unpacking "+zf.Name)
		}
	}
	return nil
}

func (a *ZipArchive) inflate(zf *zip.File, target string) error {
	if err := a.fs.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}
	var rc, err = zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return afero.WriteReader(a.fs, target, rc)
}

// Open the file entry at |name|. The returned ReadCloser holds the container
// open until it's closed.
func (a *ZipArchive) Open(name string) (io.ReadCloser, error) {
	var f, zr, err = a.openReader()
	if err != nil {
		return nil, err
	}
	for _, zf := range zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			f.Close()
			return nil, errdefs.IOFailure(err, "opening entry "+name)
		}
		return &entryReader{ReadCloser: rc, container: f}, nil
	}
	f.Close()
	return nil, errors.WithMessagef(errdefs.ErrNotFound, "%s in %s", name, a.path)
}

// FileExists returns whether a file or directory entry exists at |name|.
func (a *ZipArchive) FileExists(name string) (bool, error) {
	var f, zr, err = a.openReader()
	if err != nil {
		return false, err
	}
	defer f.Close()

	for _, zf := range zr.File {
		if zf.Name == name || zf.Name == name+"/" {
			return true, nil
		}
	}
	return false, nil
}

// Entries of the container.
func (a *ZipArchive) Entries() ([]Entry, error) {
	var f, zr, err = a.openReader()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out = make([]Entry, 0, len(zr.File))
	for _, zf := range zr.File {
		var e = Entry{Path: strings.TrimSuffix(zf.Name, "/")}
		if strings.HasSuffix(zf.Name, "/") {
			e.Dir = true
		} else {
			e.Size = int64(zf.UncompressedSize64)
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *ZipArchive) openReader() (afero.File, *zip.Reader, error) {
	if !a.archived.Load() {
		return nil, nil, errors.WithMessagef(errdefs.ErrNotFound, "container %s is not archived", a.path)
	}
	var f, err = a.fs.Open(a.path)
	if err != nil {
		return nil, nil, errdefs.IOFailure(err, "opening container")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errdefs.IOFailure(err, "stat of container")
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, errdefs.IOFailure(err, "reading container")
	}
	return f, zr, nil
}

type entryReader struct {
	io.ReadCloser
	container io.Closer
}

func (r *entryReader) Close() error {
	var err = r.ReadCloser.Close()
	if cErr := r.container.Close(); err == nil {
		err = cErr
	}
	return err
}

// within returns whether |target| is |root| or lies beneath it.
func within(root, target string) bool {
	var rel, err = filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) &&
		!path.IsAbs(filepath.ToSlash(rel))
}
