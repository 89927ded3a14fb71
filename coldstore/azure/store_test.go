package azure

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresAccountCredentials(t *testing.T) {
	t.Setenv("AZURE_ACCOUNT_NAME", "")
	t.Setenv("AZURE_ACCOUNT_KEY", "")

	var ep, _ = url.Parse("azure://container/prefix/")
	var _, err = New(ep)
	require.EqualError(t, err, "AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")

	ep, _ = url.Parse("azure://container/prefix/?Unknown=1")
	_, err = New(ep)
	require.ErrorContains(t, err, "parsing store URL arguments")
}

func TestBlobURLs(t *testing.T) {
	t.Setenv("AZURE_ACCOUNT_NAME", "acct")
	t.Setenv("AZURE_ACCOUNT_KEY", "a2V5") // Base64 of "key".
	t.Setenv("AZURE_BLOB_DOMAIN", "")

	var ep, _ = url.Parse("azure://archives/layers/?AccessTier=Archive")
	var s, err = New(ep)
	require.NoError(t, err)
	require.Equal(t, "azure", s.Provider())

	blobURL, err := s.(*store).buildBlobURL("1700000000000.zip")
	require.NoError(t, err)
	require.Equal(t, "https://acct.blob.core.windows.net/archives/layers/1700000000000.zip", blobURL.String())
	require.False(t, s.IsAuthError(nil))
}

func TestNewADParsesURLs(t *testing.T) {
	t.Setenv("AZURE_CLIENT_ID", "")
	t.Setenv("AZURE_CLIENT_SECRET", "")

	var ep, _ = url.Parse("azure-ad://tenant/acct/container/prefix/")
	var _, err = NewAD(ep)
	require.EqualError(t, err, "AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")

	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_CLIENT_SECRET", "secret")

	ep, _ = url.Parse("azure-ad://tenant/acct/")
	_, err = NewAD(ep)
	require.ErrorContains(t, err, "must include storage account and container")

	ep, _ = url.Parse("azure-ad://tenant/acct/container/layers/")
	s, err := NewAD(ep)
	require.NoError(t, err)
	require.Equal(t, "azure-ad", s.Provider())

	var ad = s.(*adStore)
	require.Equal(t, "acct", ad.storageAccount)
	require.Equal(t, "container", ad.container)
	require.Equal(t, "layers/", ad.prefix)
	require.False(t, s.IsAuthError(nil))
}
