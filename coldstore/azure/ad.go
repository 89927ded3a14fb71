package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	blobsdk "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/coldstore"
)

// adStore is a Store of Azure Blob Storage authenticated through Azure AD
// with a client secret, addressed as
// azure-ad://tenant-id/storage-account/container/prefix/.
type adStore struct {
	args           StoreQueryArgs
	storageAccount string
	container      string
	prefix         string
	client         *blobsdk.Client
}

// NewAD creates a new Azure AD authenticated Store. Credentials are taken
// from the AZURE_CLIENT_ID and AZURE_CLIENT_SECRET environment variables.
func NewAD(ep *url.URL) (coldstore.Store, error) {
	var args StoreQueryArgs
	if err := coldstore.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var path = strings.Split(ep.Path[1:], "/")
	if len(path) < 3 {
		return nil, fmt.Errorf("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
	}
	var tenantID = ep.Host
	var clientID = os.Getenv("AZURE_CLIENT_ID")
	var clientSecret = os.Getenv("AZURE_CLIENT_SECRET")

	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
	}
	var blobDomain = os.Getenv("AZURE_BLOB_DOMAIN")
	if blobDomain == "" {
		blobDomain = "blob.core.windows.net"
	}

	credentials, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret,
		&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	if err != nil {
		return nil, err
	}
	var s = &adStore{
		args:           args,
		storageAccount: path[0],
		container:      path[1],
		prefix:         strings.Join(path[2:], "/"),
	}
	s.client, err = blobsdk.NewClient(fmt.Sprintf("https://%s.%s/", s.storageAccount, blobDomain), credentials, nil)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"tenant":         tenantID,
		"storageAccount": s.storageAccount,
		"blobDomain":     blobDomain,
		"container":      s.container,
		"prefix":         s.prefix,
	}).Info("constructed new Azure AD storage client")

	return s, nil
}

func (s *adStore) Provider() string { return "azure-ad" }

func (s *adStore) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.client.ServiceClient().
		NewContainerClient(s.container).
		NewBlobClient(s.prefix+path).
		GetProperties(ctx, nil)

	if err == nil {
		return true, nil
	} else if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, err
}

func (s *adStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var resp, err = s.client.DownloadStream(ctx, s.container, s.prefix+path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *adStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var opts = &blobsdk.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/zip")},
	}
	if s.args.AccessTier != "" {
		opts.AccessTier = to.Ptr(blob.AccessTier(s.args.AccessTier))
	}
	var _, err = s.client.UploadStream(ctx, s.container, s.prefix+path,
		io.NewSectionReader(content, 0, contentLength), opts)
	return err
}

func (s *adStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var pager = s.client.NewListBlobsFlatPager(s.container, &blobsdk.ListBlobsFlatOptions{Prefix: &prefix})

	for pager.More() {
		var page, err = pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || strings.HasSuffix(*item.Name, "/") {
				continue // Ignore directory-like objects.
			}
			var modTime time.Time
			if item.Properties != nil && item.Properties.LastModified != nil {
				modTime = *item.Properties.LastModified
			}
			if err = callback(strings.TrimPrefix(*item.Name, prefix), modTime); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *adStore) Remove(ctx context.Context, path string) error {
	var _, err = s.client.DeleteBlob(ctx, s.container, s.prefix+path, nil)
	return err
}

func (s *adStore) IsAuthError(err error) bool {
	if bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ContainerDisabled, bloberror.AccountIsDisabled) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) &&
		(respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized)
}
