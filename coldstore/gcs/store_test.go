package gcs

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestInvalidQueryArgs(t *testing.T) {
	var ep, _ = url.Parse("gs://bucket/prefix/?Unknown=1")
	var _, err = New(ep)
	require.ErrorContains(t, err, "parsing store URL arguments")
}

func TestIsAuthError(t *testing.T) {
	var s = &store{}

	require.False(t, s.IsAuthError(nil))
	require.True(t, s.IsAuthError(fmt.Errorf("wrapped: %w", storage.ErrBucketNotExist)))
	require.True(t, s.IsAuthError(&googleapi.Error{Code: http.StatusForbidden}))
	require.True(t, s.IsAuthError(&googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist."}))
	require.False(t, s.IsAuthError(&googleapi.Error{Code: http.StatusNotFound, Message: "No such object"}))
	require.False(t, s.IsAuthError(errors.New("other")))
}
