package coldstore

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffloadAndRestore(t *testing.T) {
	var ctx = context.Background()
	var a, b = newMemoryStore("memory://a/"), newMemoryStore("memory://b/")
	var content = strings.NewReader("zip content")

	require.NoError(t, Offload(ctx, []Store{a, b}, "1.zip", content, content.Size()))
	require.Equal(t, []byte("zip content"), a.Content["1.zip"])
	require.Equal(t, []byte("zip content"), b.Content["1.zip"])

	// Existing containers are not re-written.
	a.Content["1.zip"] = []byte("already here")
	require.NoError(t, Offload(ctx, []Store{a}, "1.zip", content, content.Size()))
	require.Equal(t, []byte("already here"), a.Content["1.zip"])

	var buf bytes.Buffer
	require.NoError(t, Restore(ctx, b, "1.zip", &buf))
	require.Equal(t, "zip content", buf.String())

	require.ErrorContains(t, Restore(ctx, b, "2.zip", &buf), "fetching 2.zip from memory")
}

func TestOffloadAttemptsEveryStore(t *testing.T) {
	var ctx = context.Background()
	var a, b = newMemoryStore("memory://a/"), newMemoryStore("memory://b/")
	a.PutErr = errors.New("unavailable")

	var content = strings.NewReader("zip content")
	var err = Offload(ctx, []Store{a, b}, "1.zip", content, content.Size())
	require.EqualError(t, err, "offloading 1.zip to memory: unavailable")
	require.Contains(t, b.Content, "1.zip")
}

func TestRegistry(t *testing.T) {
	var calls int
	RegisterProviders(map[string]Constructor{
		"memory": func(ep *url.URL) (Store, error) {
			calls++
			return NewMemoryStore(ep), nil
		},
	})

	var s1, err = Get("memory://bucket/prefix/")
	require.NoError(t, err)
	s2, err := Get("memory://bucket/prefix/")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, calls)

	all, err := GetAll([]string{"memory://bucket/prefix/", "memory://other/"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 2, calls)

	_, err = Get("unknown://bucket/")
	require.EqualError(t, err, "unsupported cold store scheme: unknown")
	_, err = Get("memory://bucket/no-slash")
	require.EqualError(t, err, "cold store URL path must end in '/': memory://bucket/no-slash")
}

func newMemoryStore(raw string) *MemoryStore {
	var ep, _ = url.Parse(raw)
	return NewMemoryStore(ep)
}
