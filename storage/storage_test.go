package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/index"
	"go.layerstore.dev/core/layer"
	"go.layerstore.dev/core/manager"
)

func TestNewestLayerWinsReads(t *testing.T) {
	var s, idx = newTestStorage(t)

	require.NoError(t, s.Write("a/b.txt", []byte("v1")))
	require.NoError(t, s.Write("a/c.txt", []byte("c")))
	var first = rollover(t, s)
	require.NoError(t, s.Write("a/b.txt", []byte("v2")))

	requireContent(t, s, "a/b.txt", "v2")

	var ids, err = idx.FindLayersContaining("a/b.txt")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, first.ID(), ids[0])

	// Content of the archived layer remains readable where not shadowed.
	require.Equal(t, layer.Archived, first.State())
	requireContent(t, s, "a/c.txt", "c")
}

func TestListings(t *testing.T) {
	var s, _ = newTestStorage(t)

	require.NoError(t, s.Write("a/b.txt", []byte("1")))
	require.NoError(t, s.CreateDirectories("a/empty"))
	rollover(t, s)
	require.NoError(t, s.Write("a/c.txt", []byte("2")))
	require.NoError(t, s.Write("d.txt", []byte("3")))

	listing, err := s.ListDirectory("")
	require.NoError(t, err)
	require.Equal(t, []Listing{
		{Name: "a", Type: index.Directory},
		{Name: "d.txt", Type: index.File},
	}, listing)

	listing, err = s.ListDirectory("a")
	require.NoError(t, err)
	require.Equal(t, []Listing{
		{Name: "b.txt", Type: index.File},
		{Name: "c.txt", Type: index.File},
		{Name: "empty", Type: index.Directory},
	}, listing)

	listing, err = s.ListRecursive("")
	require.NoError(t, err)
	require.Equal(t, []Listing{
		{Name: "a", Type: index.Directory},
		{Name: "a/b.txt", Type: index.File},
		{Name: "a/c.txt", Type: index.File},
		{Name: "a/empty", Type: index.Directory},
		{Name: "d.txt", Type: index.File},
	}, listing)

	empty, err := s.DirectoryIsEmpty("a/empty")
	require.NoError(t, err)
	require.True(t, empty)
	empty, err = s.DirectoryIsEmpty("a")
	require.NoError(t, err)
	require.False(t, empty)

	_, err = s.ListDirectory("missing")
	require.True(t, errdefs.IsNotFound(err))
	_, err = s.ListDirectory("d.txt")
	require.True(t, errdefs.IsConflict(err))
	_, err = s.ListDirectory("../up")
	require.True(t, errdefs.IsInvalidPath(err))
}

func TestInlinedContent(t *testing.T) {
	var s, idx = newTestStorage(t)

	require.NoError(t, s.Write("obj/inventory.json", []byte(`{"head":"v1"}`)))
	require.NoError(t, s.Write("obj/v1/content/file.txt", []byte("payload")))

	ok, err := idx.IsContentStoredInDatabase("obj/inventory.json")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = idx.IsContentStoredInDatabase("obj/v1/content/file.txt")
	require.NoError(t, err)
	require.False(t, ok)

	requireContent(t, s, "obj/inventory.json", `{"head":"v1"}`)
	requireContent(t, s, "obj/inventory.json", `{"head":"v1"}`) // Cached.

	// A rewrite within the same layer isn't masked by the cache.
	require.NoError(t, s.Write("obj/inventory.json", []byte(`{"head":"v2"}`)))
	requireContent(t, s, "obj/inventory.json", `{"head":"v2"}`)

	// Inlined files also live in the layer itself.
	top, err := s.manager.GetTopLayer()
	require.NoError(t, err)
	rc, err := top.Read("obj/inventory.json")
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestReadErrors(t *testing.T) {
	var s, _ = newTestStorage(t)
	require.NoError(t, s.CreateDirectories("dir"))

	_, err := s.Read("missing")
	require.True(t, errdefs.IsNotFound(err))
	_, err = s.Read("dir")
	require.True(t, errdefs.IsConflict(err))
	_, err = s.Read("/abs")
	require.True(t, errdefs.IsInvalidPath(err))
	require.True(t, errdefs.IsInvalidPath(s.Write("", []byte("x"))))
	require.True(t, errdefs.IsConflict(s.Write("dir", []byte("x"))))
}

func TestFileExists(t *testing.T) {
	var s, _ = newTestStorage(t)
	require.NoError(t, s.Write("a/b.txt", []byte("x")))

	for path, expect := range map[string]bool{
		"":        true,
		"a":       true,
		"a/b.txt": true,
		"a/c.txt": false,
		"b":       false,
	} {
		var ok, err = s.FileExists(path)
		require.NoError(t, err)
		require.Equal(t, expect, ok, path)
	}
}

func TestDeletesApplyToEveryLayer(t *testing.T) {
	var s, idx = newTestStorage(t)

	require.NoError(t, s.Write("a.txt", []byte("old")))
	require.NoError(t, s.Write("keep.txt", []byte("keep")))
	var first = rollover(t, s)
	require.NoError(t, s.Write("a.txt", []byte("new")))

	require.NoError(t, s.DeleteFile("a.txt"))

	ok, err := s.FileExists("a.txt")
	require.NoError(t, err)
	require.False(t, ok)

	ids, err := idx.FindLayersContaining("a.txt")
	require.NoError(t, err)
	require.Empty(t, ids)

	// The archived layer was repacked without the file.
	require.Equal(t, layer.Archived, first.State())
	ok, err = first.FileExists("a.txt")
	require.NoError(t, err)
	require.False(t, ok)
	requireContent(t, s, "keep.txt", "keep")

	// Paths held by no layer are ignored.
	require.NoError(t, s.DeleteFiles([]string{"missing.txt"}))
}

func TestDeleteDirectoryFromEveryLayer(t *testing.T) {
	var s, _ = newTestStorage(t)

	require.NoError(t, s.Write("d/one.txt", []byte("1")))
	rollover(t, s)
	require.NoError(t, s.Write("d/two.txt", []byte("2")))
	require.NoError(t, s.Write("other.txt", []byte("3")))

	require.NoError(t, s.DeleteDirectory("d"))

	listing, err := s.ListRecursive("")
	require.NoError(t, err)
	require.Equal(t, []Listing{{Name: "other.txt", Type: index.File}}, listing)
}

func TestMoveDirectoryInternalWithinTopLayer(t *testing.T) {
	var s, _ = newTestStorage(t)

	require.NoError(t, s.Write("src/a.txt", []byte("a")))
	require.NoError(t, s.MoveDirectoryInternal("src", "dst"))

	requireContent(t, s, "dst/a.txt", "a")
	ok, err := s.FileExists("src")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMoveDirectoryInternalAcrossLayers(t *testing.T) {
	var s, idx = newTestStorage(t)

	require.NoError(t, s.Write("src/a.txt", []byte("a")))
	require.NoError(t, s.CreateDirectories("src/sub"))
	rollover(t, s)
	require.NoError(t, s.Write("src/b.txt", []byte("b")))

	require.NoError(t, s.MoveDirectoryInternal("src", "dst"))

	listing, err := s.ListRecursive("")
	require.NoError(t, err)
	require.Equal(t, []Listing{
		{Name: "dst", Type: index.Directory},
		{Name: "dst/a.txt", Type: index.File},
		{Name: "dst/b.txt", Type: index.File},
		{Name: "dst/sub", Type: index.Directory},
	}, listing)
	requireContent(t, s, "dst/a.txt", "a")
	requireContent(t, s, "dst/b.txt", "b")

	ids, err := idx.FindLayersContaining("src/a.txt")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.True(t, errdefs.IsNotFound(s.MoveDirectoryInternal("src", "other")))
}

func TestMoveDirectoryInto(t *testing.T) {
	var s, _ = newTestStorage(t)

	var external = filepath.Join(t.TempDir(), "ext")
	require.NoError(t, os.MkdirAll(filepath.Join(external, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(external, "sub", "f.txt"), []byte("ext"), 0640))

	require.NoError(t, s.MoveDirectoryInto(external, "obj/v1"))
	requireContent(t, s, "obj/v1/sub/f.txt", "ext")

	_, err := os.Stat(external)
	require.True(t, os.IsNotExist(err))
}

func TestCopies(t *testing.T) {
	var s, _ = newTestStorage(t)
	var dir = t.TempDir()

	var src = filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("copied"), 0640))

	require.NoError(t, s.CopyFileInto(src, "a/one.txt"))
	require.NoError(t, s.CopyFileInternal("a/one.txt", "a/b/two.txt"))
	requireContent(t, s, "a/b/two.txt", "copied")

	var out = filepath.Join(dir, "out")
	require.NoError(t, s.CopyDirectoryOutOf("a", out))

	b, err := os.ReadFile(filepath.Join(out, "one.txt"))
	require.NoError(t, err)
	require.Equal(t, "copied", string(b))
	b, err = os.ReadFile(filepath.Join(out, "b", "two.txt"))
	require.NoError(t, err)
	require.Equal(t, "copied", string(b))
}

func TestDeleteEmptyDirs(t *testing.T) {
	var s, _ = newTestStorage(t)

	require.NoError(t, s.CreateDirectories("a/b/c"))
	require.NoError(t, s.CreateDirectories("a/d"))
	require.NoError(t, s.Write("x/f.txt", []byte("f")))

	require.NoError(t, s.DeleteEmptyDirsDown(""))

	listing, err := s.ListRecursive("")
	require.NoError(t, err)
	require.Equal(t, []Listing{
		{Name: "x", Type: index.Directory},
		{Name: "x/f.txt", Type: index.File},
	}, listing)

	require.NoError(t, s.CreateDirectories("k/l/m"))
	require.NoError(t, s.Write("k/keep.txt", []byte("k")))
	require.NoError(t, s.DeleteEmptyDirsUp("k/l/m"))

	listing, err = s.ListRecursive("k")
	require.NoError(t, err)
	require.Equal(t, []Listing{{Name: "keep.txt", Type: index.File}}, listing)
}

func TestWritesRequireTopLayer(t *testing.T) {
	var idx, err = index.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer idx.Close()

	var dir = t.TempDir()
	m, err := manager.New(manager.Config{
		StagingRoot: filepath.Join(dir, "staging"),
		ArchiveRoot: filepath.Join(dir, "archive"),
	}, idx)
	require.NoError(t, err)
	defer m.Close()

	s, err := New(m, idx, nil, nil, 0)
	require.NoError(t, err)

	require.True(t, errdefs.IsNotFound(s.Write("a.txt", []byte("x"))))
	require.True(t, errdefs.IsNotFound(s.CreateDirectories("a")))
}

func TestDeleteAcrossLayersFailsWhileALayerIsClosing(t *testing.T) {
	var s, idx = newTestStorage(t)

	require.NoError(t, s.Write("a.txt", []byte("old")))
	var first = rollover(t, s)
	require.NoError(t, s.Write("a.txt", []byte("new")))

	var second, err = s.manager.GetTopLayer()
	require.NoError(t, err)

	// Hold a mutation of the second layer in flight, so that the rollover
	// leaves it Closing until the mutation completes.
	var pr, pw = io.Pipe()
	var writeErr = make(chan error, 1)
	go func() { writeErr <- second.Write("slow.txt", pr) }()
	_, err = pw.Write([]byte("x"))
	require.NoError(t, err)

	var rolled = make(chan error, 1)
	go func() {
		var _, op, err = s.manager.NewTopLayer()
		if err == nil {
			<-op.Done()
			err = op.Err()
		}
		rolled <- err
	}()
	require.Eventually(t, func() bool { return second.State() == layer.Closing },
		5*time.Second, time.Millisecond)

	require.True(t, errdefs.IsTransientUnavailable(s.DeleteFile("a.txt")))

	// Neither layer was changed.
	requireContent(t, s, "a.txt", "new")
	ids, err := idx.FindLayersContaining("a.txt")
	require.NoError(t, err)
	require.Equal(t, []int64{first.ID(), second.ID()}, ids)

	require.NoError(t, pw.Close())
	require.NoError(t, <-writeErr)
	require.NoError(t, <-rolled)

	require.NoError(t, s.DeleteFile("a.txt"))
	_, err = s.ReadToString("a.txt")
	require.True(t, errdefs.IsNotFound(err))
	requireContent(t, s, "slow.txt", "x")
}

func TestFailedDeleteAcrossLayersKeepsNewestContent(t *testing.T) {
	var s, _ = newTestStorage(t)

	require.NoError(t, s.CreateDirectories("d"))
	rollover(t, s)
	require.NoError(t, s.Write("a.txt", []byte("v1")))
	require.NoError(t, s.Write("d/f.txt", []byte("v1")))

	// "d" is a directory, so deleting it as a file fails. The older layer
	// is visited first, and the newer layer is left unchanged.
	require.True(t, errdefs.IsConflict(s.DeleteFiles([]string{"a.txt", "d"})))
	requireContent(t, s, "a.txt", "v1")
	requireContent(t, s, "d/f.txt", "v1")
}

func TestWriteRetriesOnNewTopAfterRollover(t *testing.T) {
	var s, _ = newTestStorage(t)

	var seen []int64
	var err = s.onTop(func(top *layer.Layer) error {
		seen = append(seen, top.ID())
		if len(seen) == 1 {
			rollover(t, s) // |top| is now Archived.
		}
		return top.Write("a.txt", strings.NewReader("x"))
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.NotEqual(t, seen[0], seen[1])
	requireContent(t, s, "a.txt", "x")

	// Without a rollover, a rejected write is returned as-is.
	var top, _ = s.manager.GetTopLayer()
	require.NoError(t, top.Close())
	require.True(t, errdefs.IsNotWritable(s.Write("b.txt", []byte("x"))))
}

func newTestStorage(t *testing.T) (*Storage, *index.Index) {
	var idx, err = index.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	var dir = t.TempDir()
	m, err := manager.New(manager.Config{
		StagingRoot: filepath.Join(dir, "staging"),
		ArchiveRoot: filepath.Join(dir, "archive"),
		Fs:          afero.NewOsFs(),
	}, idx)
	require.NoError(t, err)

	s, err := New(m, idx, index.InventoryPolicy{InlineCodec: codecs.GZIP}, afero.NewOsFs(), 16)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, _, err = m.NewTopLayer()
	require.NoError(t, err)

	return s, idx
}

// rollover opens a new top layer, and returns the previous top once it's
// been archived.
func rollover(t *testing.T, s *Storage) *layer.Layer {
	var prev, err = s.manager.GetTopLayer()
	require.NoError(t, err)

	_, op, err := s.manager.NewTopLayer()
	require.NoError(t, err)
	<-op.Done()
	require.NoError(t, op.Err())

	return prev
}

func requireContent(t *testing.T, s *Storage, path, expect string) {
	var content, err = s.ReadToString(path)
	require.NoError(t, err)
	require.Equal(t, expect, content)
}
