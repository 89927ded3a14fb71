package fs

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.layerstore.dev/core/coldstore"
)

func TestStore(t *testing.T) {
	defer func(r string) { FileSystemStoreRoot = r }(FileSystemStoreRoot)
	var tempDir = t.TempDir()
	FileSystemStoreRoot = tempDir

	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "cold", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "cold", "1.zip"), []byte("content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "cold", "sub", "2.zip"), []byte("nested"), 0644))

	_, err := New(mustParseURL("file:///cold/?invalid=param"))
	require.Error(t, err)
	_, err = New(mustParseURL("file:///cold/?Mode=9z"))
	require.Error(t, err)

	s, err := New(mustParseURL("file:///cold/?Mode=0600"))
	require.NoError(t, err)
	require.Equal(t, "fs", s.Provider())

	var ctx = context.Background()

	exists, err := s.Exists(ctx, "1.zip")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = s.Exists(ctx, "missing.zip")
	require.NoError(t, err)
	require.False(t, exists)

	reader, err := s.Get(ctx, "1.zip")
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	require.Equal(t, "content", string(content))

	require.NoError(t, s.Put(ctx, "3.zip", strings.NewReader("new"), 3))
	info, err := os.Stat(filepath.Join(tempDir, "cold", "3.zip"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var files []string
	require.NoError(t, s.List(ctx, "", func(path string, _ time.Time) error {
		files = append(files, path)
		return nil
	}))
	require.ElementsMatch(t, []string{"1.zip", "3.zip", "sub/2.zip"}, files)

	require.NoError(t, s.Remove(ctx, "3.zip"))
	exists, err = s.Exists(ctx, "3.zip")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPutToMissingBaseIsAuthError(t *testing.T) {
	defer func(r string) { FileSystemStoreRoot = r }(FileSystemStoreRoot)
	FileSystemStoreRoot = t.TempDir()

	var s, err = New(mustParseURL("file:///missing/"))
	require.NoError(t, err)

	err = s.Put(context.Background(), "1.zip", strings.NewReader("x"), 1)
	require.Error(t, err)
	require.True(t, s.IsAuthError(err))
	require.False(t, s.IsAuthError(nil))
}

func TestOffloadAndRestore(t *testing.T) {
	defer func(r string) { FileSystemStoreRoot = r }(FileSystemStoreRoot)
	FileSystemStoreRoot = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(FileSystemStoreRoot, "cold"), 0755))

	var s, err = New(mustParseURL("file:///cold/"))
	require.NoError(t, err)
	var ctx = context.Background()

	var content = strings.NewReader("container")
	require.NoError(t, coldstore.Offload(ctx, []coldstore.Store{s}, "1.zip", content, content.Size()))

	// A container already present is not replaced.
	var other = strings.NewReader("other")
	require.NoError(t, coldstore.Offload(ctx, []coldstore.Store{s}, "1.zip", other, other.Size()))

	var buf bytes.Buffer
	require.NoError(t, coldstore.Restore(ctx, s, "1.zip", &buf))
	require.Equal(t, "container", buf.String())

	require.Error(t, coldstore.Restore(ctx, s, "missing.zip", &buf))
}

func mustParseURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
