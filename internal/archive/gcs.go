package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/complyledger/evidence/internal/config"
)

// GCSSink writes manifests to a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

func NewGCSSink(ctx context.Context, bucket string, cfg config.GCPArchiveConfig) (*GCSSink, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

func (g *GCSSink) Provider() string { return "gcs" }

func (g *GCSSink) Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error) {
	obj := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = metadata

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing gs://%s/%s: %w", g.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing gs://%s/%s: %w", g.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

func (g *GCSSink) Close() error {
	return g.client.Close()
}
