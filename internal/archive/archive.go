// Package archive copies the manifest of every sealed evidence record to
// write-once object storage, optionally signing the seal digest with a KMS key.
package archive

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/complyledger/evidence/internal/config"
	"github.com/complyledger/evidence/internal/models"
)

// Sink is an object store that receives archived manifests.
type Sink interface {
	Provider() string
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error)
	Close() error
}

// Signer signs a SHA-256 digest.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (signature []byte, keyID string, err error)
}

// Envelope is the archived document.
type Envelope struct {
	EvidenceID     string          `json:"evidence_id"`
	TenantID       string          `json:"tenant_id"`
	SealHashSHA256 string          `json:"seal_hash_sha256"`
	Manifest       json.RawMessage `json:"manifest"`
	Signature      string          `json:"signature,omitempty"`
	SigningKeyID   string          `json:"signing_key_id,omitempty"`
	ArchivedAt     time.Time       `json:"archived_at"`
}

type Archiver struct {
	sink   Sink
	signer Signer
	prefix string
	now    func() time.Time
}

func NewArchiver(sink Sink, signer Signer, prefix string) *Archiver {
	return &Archiver{sink: sink, signer: signer, prefix: prefix, now: time.Now}
}

// Key is where the manifest of ev is stored.
func (a *Archiver) Key(ev *models.Evidence, digest string) string {
	return path.Join(a.prefix, ev.TenantID, ev.ID.String(), "seal-"+digest+".json")
}

func (a *Archiver) Archive(ctx context.Context, ev *models.Evidence, manifest []byte, digest string) (string, error) {
	env := Envelope{
		EvidenceID:     ev.ID.String(),
		TenantID:       ev.TenantID,
		SealHashSHA256: digest,
		Manifest:       json.RawMessage(manifest),
		ArchivedAt:     a.now().UTC(),
	}

	if a.signer != nil {
		raw, err := hex.DecodeString(digest)
		if err != nil {
			return "", fmt.Errorf("decoding seal digest: %w", err)
		}
		sig, keyID, err := a.signer.Sign(ctx, raw)
		if err != nil {
			return "", fmt.Errorf("signing seal digest: %w", err)
		}
		env.Signature = base64.StdEncoding.EncodeToString(sig)
		env.SigningKeyID = keyID
	}

	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding archive envelope: %w", err)
	}

	uri, err := a.sink.Put(ctx, a.Key(ev, digest), body, map[string]string{
		"evidence-id": env.EvidenceID,
		"tenant-id":   env.TenantID,
		"seal-sha256": digest,
	})
	if err != nil {
		return "", fmt.Errorf("writing to %s: %w", a.sink.Provider(), err)
	}
	return uri, nil
}

func (a *Archiver) Close() error {
	return a.sink.Close()
}

// New builds the archiver selected by cfg. It returns nil when archiving is off.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	var (
		sink   Sink
		signer Signer
		err    error
	)

	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "s3":
		var clients *awsClients
		clients, err = newAWSClients(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		sink = &S3Sink{client: clients.s3, bucket: cfg.Bucket, kmsKeyID: cfg.AWS.KMSKeyID}
		if cfg.AWS.SigningKeyID != "" {
			signer = &KMSSigner{client: clients.kms, keyID: cfg.AWS.SigningKeyID}
		}
	case "gcs":
		sink, err = NewGCSSink(ctx, cfg.Bucket, cfg.GCP)
	case "azure":
		sink, err = NewAzureSink(cfg.Bucket, cfg.Azure)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewArchiver(sink, signer, cfg.Prefix), nil
}

// MemorySink keeps archived objects in process.
type MemorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (m *MemorySink) Provider() string { return "memory" }

func (m *MemorySink) Put(_ context.Context, key string, body []byte, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return "memory://" + key, nil
}

func (m *MemorySink) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

func (m *MemorySink) Close() error { return nil }
