// Package erp fetches ERP_API snapshots on the server side. Every fetch is
// bounded so a slow connector cannot hold an ingestion request open.
package erp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/complyledger/evidence/internal/models"
)

const (
	DefaultTimeout  = 20 * time.Second
	DefaultMaxBytes = 25 << 20
)

var (
	ErrTimeout     = errors.New("erp fetch timed out")
	ErrFetchFailed = errors.New("erp fetch failed")
)

type FetchRequest struct {
	TenantID           string
	SourceSystem       models.SourceSystem
	DatasetType        models.DatasetType
	ConnectorReference string
	SnapshotAt         string
}

type Snapshot struct {
	Payload     []byte
	ContentType string
	FetchedAt   time.Time
}

type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Snapshot, error)
}

type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	MaxBytes int64
}

// HTTPFetcher pulls snapshots from a connector gateway:
// GET {base}/connectors/{ref}/snapshots?source=..&dataset=..&as_of=..
type HTTPFetcher struct {
	config Config
	client *http.Client
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 || cfg.Timeout > DefaultTimeout {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPFetcher{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("tenant", req.TenantID)
	q.Set("source", string(req.SourceSystem))
	q.Set("dataset", string(req.DatasetType))
	q.Set("as_of", req.SnapshotAt)
	endpoint := fmt.Sprintf("%s/connectors/%s/snapshots?%s", f.config.BaseURL, url.PathEscape(req.ConnectorReference), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrFetchFailed, err)
	}
	if f.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.config.Token)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: connector returned status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(body)) > f.config.MaxBytes {
		return nil, fmt.Errorf("%w: snapshot exceeds %d bytes", ErrFetchFailed, f.config.MaxBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: connector returned an empty snapshot", ErrFetchFailed)
	}

	return &Snapshot{
		Payload:     body,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetchFailed, err)
}
