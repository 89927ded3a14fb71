// Package azure is a cold store of containers in Azure Blob Storage,
// addressed with azure:// URLs and authenticated with a shared account key.
package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/coldstore"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// cold store URL.
type StoreQueryArgs struct {
	// Access tier of offloaded containers: "Hot", "Cool", or "Archive".
	// If empty, the account's default tier is used.
	AccessTier string
}

type store struct {
	args           StoreQueryArgs
	storageAccount string // Storage accounts in Azure are the equivalent to a "bucket" in S3.
	blobDomain     string // Domain of the blob storage account (eg, blob.core.windows.net).
	container      string // Blobs are stored inside of containers, which live inside accounts.
	prefix         string // Path prefix of blobs inside the container.
	pipeline       pipeline.Pipeline
}

// New creates a new Azure Store authenticated by the shared key of the
// AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY environment variables.
func New(ep *url.URL) (coldstore.Store, error) {
	var args StoreQueryArgs
	if err := coldstore.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var storageAccount = os.Getenv("AZURE_ACCOUNT_NAME")
	var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if storageAccount == "" || accountKey == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}
	var blobDomain = os.Getenv("AZURE_BLOB_DOMAIN")
	if blobDomain == "" {
		blobDomain = "blob.core.windows.net"
	}

	credentials, err := azblob.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}
	var s = &store{
		args:           args,
		storageAccount: storageAccount,
		blobDomain:     blobDomain,
		container:      ep.Host,
		prefix:         ep.Path[1:],
		pipeline:       azblob.NewPipeline(credentials, azblob.PipelineOptions{}),
	}

	log.WithFields(log.Fields{
		"storageAccount": storageAccount,
		"blobDomain":     blobDomain,
		"container":      s.container,
		"prefix":         s.prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return s, nil
}

func (s *store) Provider() string { return "azure" }

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var blobURL, err = s.buildBlobURL(path)
	if err != nil {
		return false, err
	}
	if _, err = blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err == nil {
		return true, nil
	}
	if inner, ok := err.(azblob.StorageError); ok && inner.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return false, nil
	}
	return false, err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var blobURL, err = s.buildBlobURL(path)
	if err != nil {
		return nil, err
	}
	download, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, err
	}
	return download.Body(azblob.RetryReaderOptions{}), nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var blobURL, err = s.buildBlobURL(path)
	if err != nil {
		return err
	}
	var headers = azblob.BlobHTTPHeaders{ContentType: "application/zip"}
	var tier = azblob.DefaultAccessTier
	if s.args.AccessTier != "" {
		tier = azblob.AccessTierType(s.args.AccessTier)
	}
	// The SDK requires an io.ReadSeeker.
	_, err = blobURL.Upload(ctx, io.NewSectionReader(content, 0, contentLength), headers, azblob.Metadata{},
		azblob.BlobAccessConditions{}, tier, azblob.BlobTagsMap{}, azblob.ClientProvidedKeyOptions{},
		azblob.ImmutabilityPolicyOptions{})
	return err
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix

	var u, err = url.Parse(s.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, s.pipeline)
	var options = azblob.ListBlobsSegmentOptions{Prefix: prefix}

	for marker := (azblob.Marker{}); marker.NotDone(); {
		var segmentList, err = containerURL.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return err
		}
		for _, blob := range segmentList.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Ignore directory-like objects.
			}
			if err := callback(strings.TrimPrefix(blob.Name, prefix), blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = segmentList.NextMarker
	}
	return nil
}

func (s *store) Remove(ctx context.Context, path string) error {
	var blobURL, err = s.buildBlobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	return err
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if storageErr, ok := err.(azblob.StorageError); ok {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeContainerNotFound,
			azblob.ServiceCodeContainerDisabled,
			azblob.ServiceCodeAccountIsDisabled:
			return true
		}
		if resp := storageErr.Response(); resp != nil && resp.StatusCode == http.StatusForbidden {
			return true
		}
	}
	return false
}

func (s *store) buildBlobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(fmt.Sprint(s.containerURL(), "/", s.prefix, path))
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, s.pipeline)
	return &blobURL, nil
}

func (s *store) containerURL() string {
	return fmt.Sprintf("https://%s.%s/%s", s.storageAccount, s.blobDomain, s.container)
}
