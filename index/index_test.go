package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.layerstore.dev/core/codecs"
	"go.layerstore.dev/core/errdefs"
)

func TestAddDirectoryIsIdempotent(t *testing.T) {
	var idx = newTestIndex(t)

	var recs, err = idx.AddDirectory(1, "a/b/c")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/b", "a/b/c"}, paths(recs))

	recs, err = idx.AddDirectory(1, "a/b/c")
	require.NoError(t, err)
	require.Empty(t, recs)

	// Another layer records its own directories.
	recs, err = idx.AddDirectory(2, "a/b/d")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/b", "a/b/d"}, paths(recs))

	all, err := idx.GetByLayerUnder(1, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a/b", "a/b/c"}, paths(all))

	// Adding the root records nothing.
	recs, err = idx.AddDirectory(1, "")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestConflictLawInEitherOrder(t *testing.T) {
	var idx = newTestIndex(t)

	// Directory in layer 1, then a file at the same path in layer 2.
	var _, err = idx.AddDirectory(1, "x/y")
	require.NoError(t, err)
	_, err = idx.AddFile(2, "x/y")
	require.True(t, errdefs.IsConflict(err))

	// File in layer 2, then a directory at the same path in layer 1.
	_, err = idx.AddFile(2, "x/z")
	require.NoError(t, err)
	_, err = idx.AddDirectory(1, "x/z")
	require.True(t, errdefs.IsConflict(err))

	// A file may not be an ancestor of a directory.
	_, err = idx.AddDirectory(3, "x/z/w")
	require.True(t, errdefs.IsConflict(err))

	// The failed AddDirectory rolled back its Record of "x" for layer 3.
	layers, err := idx.FindLayersContaining("x")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, layers)
}

func TestAddFileRequiresParentAndReplaces(t *testing.T) {
	var idx = newTestIndex(t)

	var _, err = idx.AddFile(1, "a/b.txt")
	require.True(t, errdefs.IsNotFound(err))

	_, err = idx.AddFile(1, "top.txt") // Parent is the root.
	require.NoError(t, err)

	_, err = idx.AddDirectory(1, "a")
	require.NoError(t, err)
	first, err := idx.AddFile(1, "a/b.txt")
	require.NoError(t, err)

	// Re-adding replaces the layer's Record in place.
	second, err := idx.AddFileWithContent(1, "a/b.txt", []byte("inline"), codecs.NONE)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	recs, err := idx.GetByLayerAndPaths(1, []string{"a/b.txt", "missing"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, []byte("inline"), recs[0].Content)

	// The parent may be recorded by an older layer.
	_, err = idx.AddFile(2, "a/c.txt")
	require.NoError(t, err)

	_, err = idx.AddFile(1, "")
	require.True(t, errdefs.IsConflict(err))
}

func TestListDirectoryErrors(t *testing.T) {
	var idx = newTestIndex(t)

	var _, err = idx.ListDirectory("nope")
	require.True(t, errdefs.IsNotFound(err))

	_, err = idx.AddFile(1, "f")
	require.NoError(t, err)
	_, err = idx.ListDirectory("f")
	require.True(t, errdefs.IsConflict(err))
	_, err = idx.ListRecursive("f")
	require.True(t, errdefs.IsConflict(err))

	// The root is always listable.
	recs, err := idx.ListDirectory("")
	require.NoError(t, err)
	require.Equal(t, []string{"f"}, paths(recs))
}

func TestPathPrefixesAreNotConfusedWithSiblings(t *testing.T) {
	var idx = newTestIndex(t)

	for _, d := range []string{"ab/c", "a/c", "a_/c", "A/c"} {
		var _, err = idx.AddDirectory(1, d)
		require.NoError(t, err)
	}
	var recs, err = idx.ListRecursive("a")
	require.NoError(t, err)
	require.Equal(t, []string{"a/c"}, paths(recs))

	recs, err = idx.ListDirectory("")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "a", "a_", "ab"}, paths(recs))
}

func TestDeleteRecordsAndFindLayers(t *testing.T) {
	var idx = newTestIndex(t)

	for _, id := range []int64{3, 1, 2} {
		var _, err = idx.AddDirectory(id, "d")
		require.NoError(t, err)
		_, err = idx.AddFile(id, "d/f")
		require.NoError(t, err)
	}
	var layers, err = idx.FindLayersContaining("d/f")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, layers)

	recs, err := idx.GetByLayerAndPaths(3, []string{"d/f"})
	require.NoError(t, err)
	require.NoError(t, idx.DeleteRecords(recs))

	layers, err = idx.FindLayersContaining("d/f")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, layers)

	// Layer 2's record is now authoritative.
	rec, err := idx.GetByPath("d/f")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.LayerID)

	_, err = idx.GetByPath("d/g")
	require.True(t, errdefs.IsNotFound(err))
}

func TestInlineContentFollowsShadowing(t *testing.T) {
	var idx = newTestIndex(t)
	var content = []byte(`{"head": "v1"}`)

	var enc, err = codecs.Compress(codecs.GZIP, content)
	require.NoError(t, err)

	_, err = idx.AddDirectory(1, "obj")
	require.NoError(t, err)
	_, err = idx.AddFileWithContent(1, "obj/inventory.json", enc, codecs.GZIP)
	require.NoError(t, err)

	ok, err := idx.IsContentStoredInDatabase("obj/inventory.json")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := idx.ReadContentFromDatabase("obj/inventory.json")
	require.NoError(t, err)
	require.Equal(t, content, out)

	// A newer layer records the file without inlining it, which shadows
	// the older inlined content.
	_, err = idx.AddFile(2, "obj/inventory.json")
	require.NoError(t, err)

	ok, err = idx.IsContentStoredInDatabase("obj/inventory.json")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = idx.ReadContentFromDatabase("obj/inventory.json")
	require.True(t, errdefs.IsNotFound(err))

	// Empty content is still inline content.
	_, err = idx.AddFileWithContent(2, "obj/inventory.json.sha512", []byte{}, codecs.NONE)
	require.NoError(t, err)
	out, err = idx.ReadContentFromDatabase("obj/inventory.json.sha512")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestExistsPathLike(t *testing.T) {
	var idx = newTestIndex(t)

	var _, err = idx.AddDirectory(1, "obj/v1/content")
	require.NoError(t, err)

	for pattern, expect := range map[string]bool{
		"obj/v1":      true,
		"obj/%":       true,
		"%/content":   true,
		"obj/v2%":     false,
		"other/%":     false,
		"obj/v1/cont": false,
	} {
		var ok, err = idx.ExistsPathLike(pattern)
		require.NoError(t, err)
		require.Equal(t, expect, ok, pattern)
	}
}

func TestLayerStates(t *testing.T) {
	var idx = newTestIndex(t)

	require.NoError(t, idx.SaveLayerState(10, "open"))
	require.NoError(t, idx.SaveLayerState(11, "open"))
	require.NoError(t, idx.SaveLayerState(10, "closed"))

	var states, err = idx.LayerStates()
	require.NoError(t, err)
	require.Equal(t, map[int64]string{10: "closed", 11: "open"}, states)
}

func TestConcurrentAddDirectory(t *testing.T) {
	var idx = newTestIndex(t)
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var _, err = idx.AddDirectory(1, "shared/dir")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var recs, err = idx.GetByLayerUnder(1, "shared")
	require.NoError(t, err)
	require.Equal(t, []string{"shared", "shared/dir"}, paths(recs))
}

func TestRebind(t *testing.T) {
	require.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
	require.Equal(t, "a = ? AND b = ?", sqliteDialect.rebind("a = ? AND b = ?"))

	var _, err = New(nil, "mysql")
	require.EqualError(t, err, `unsupported index driver "mysql"`)
}

func newTestIndex(t *testing.T) *Index {
	var idx, err = Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func paths(recs []Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.Path)
	}
	return out
}

func TestReplaceRecordsIsAtomic(t *testing.T) {
	var idx = newTestIndex(t)

	var old, err = idx.AddDirectory(1, "src/sub")
	require.NoError(t, err)
	_, err = idx.AddFile(2, "taken")
	require.NoError(t, err)

	// Fails on the conflicting directory "taken", and leaves the index unchanged.
	_, err = idx.ReplaceRecords(old[1:], 1, []string{"dst/sub", "taken"}, nil)
	require.True(t, errdefs.IsConflict(err))

	recs, err := idx.GetByLayerUnder(1, "")
	require.NoError(t, err)
	require.Equal(t, []string{"src", "src/sub"}, paths(recs))

	added, err := idx.ReplaceRecords(old[1:], 1, []string{"dst/sub"}, []string{"dst/sub/f.txt"})
	require.NoError(t, err)
	require.Equal(t, []string{"dst", "dst/sub", "dst/sub/f.txt"}, paths(added))

	recs, err = idx.GetByLayerUnder(1, "")
	require.NoError(t, err)
	require.Equal(t, []string{"dst", "dst/sub", "dst/sub/f.txt", "src"}, paths(recs))
}
