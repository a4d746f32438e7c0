package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig configures an Azure Blob Storage sink. Either AccountKey or
// SASToken authenticates.
type AzureConfig struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
	Container  string
	Prefix     string
}

// Azure uploads reports as block blobs.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzure builds the blob client and makes sure the container exists.
func NewAzure(ctx context.Context, cfg AzureConfig) (*Azure, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("report: azure account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("report: azure container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: transportAdapter{rt: defaultTransport()}},
	}
	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("report: azure account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("report: azure credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("report: azure create client: %w", err)
	}
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "report: azure create container", azureStatus)
	}
	return &Azure{client: client, container: cfg.Container, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put implements Sink.
func (a *Azure) Put(ctx context.Context, name string, body io.Reader, _ int64) (string, error) {
	blobName := objectKey(a.prefix, name)
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("text/csv")},
	}
	if _, err := a.client.UploadStream(ctx, a.container, blobName, body, opts); err != nil {
		return "", wrapError(err, "report: azure upload "+blobName, azureStatus)
	}
	return "azure://" + a.container + "/" + blobName, nil
}

// Get implements Getter.
func (a *Azure) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	blobName := objectKey(a.prefix, name)
	resp, err := a.client.DownloadStream(ctx, a.container, blobName, nil)
	if err != nil {
		if status, ok := azureStatus(err); ok && status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, wrapError(err, "report: azure download "+blobName, azureStatus)
	}
	return resp.Body, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transportAdapter{}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("report: azure parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func azureStatus(err error) (int, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, true
	}
	return 0, false
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}
