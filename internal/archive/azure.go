package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/complyledger/evidence/internal/config"
)

// AzureSink writes manifests to a blob container.
type AzureSink struct {
	client     *azblob.Client
	accountURL string
	container  string
}

func NewAzureSink(container string, cfg config.AzureArchiveConfig) (*AzureSink, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	return &AzureSink{
		client:     client,
		accountURL: strings.TrimSuffix(cfg.AccountURL, "/"),
		container:  container,
	}, nil
}

func (a *AzureSink) Provider() string { return "azure" }

func (a *AzureSink) Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error) {
	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		v := v
		meta[strings.ReplaceAll(k, "-", "_")] = &v
	}

	_, err := a.client.UploadBuffer(ctx, a.container, key, body, &azblob.UploadBufferOptions{Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("uploading %s/%s: %w", a.container, key, err)
	}
	return fmt.Sprintf("%s/%s/%s", a.accountURL, a.container, key), nil
}

func (a *AzureSink) Close() error { return nil }
