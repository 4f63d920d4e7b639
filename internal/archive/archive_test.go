package archive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/config"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/models"
)

type fakeSigner struct {
	got []byte
	err error
}

func (f *fakeSigner) Sign(_ context.Context, digest []byte) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	f.got = digest
	return []byte("signed"), "arn:aws:kms:eu-west-1:1:key/abc", nil
}

func evidence() *models.Evidence {
	return &models.Evidence{ID: uuid.New(), TenantID: "t-1"}
}

func TestArchive_WritesEnvelope(t *testing.T) {
	sink := NewMemorySink()
	signer := &fakeSigner{}
	a := NewArchiver(sink, signer, "sealed")
	a.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	ev := evidence()
	manifest := []byte(`{"evidence_id":"x"}`)
	digest := hasher.Hash(manifest)

	uri, err := a.Archive(context.Background(), ev, manifest, digest)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	key := "sealed/t-1/" + ev.ID.String() + "/seal-" + digest + ".json"
	if uri != "memory://"+key {
		t.Errorf("unexpected uri %q", uri)
	}

	body, ok := sink.Get(key)
	if !ok {
		t.Fatalf("nothing stored at %s", key)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.SealHashSHA256 != digest || string(env.Manifest) != string(manifest) {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Signature != base64.StdEncoding.EncodeToString([]byte("signed")) || !strings.HasPrefix(env.SigningKeyID, "arn:aws:kms") {
		t.Errorf("signature not recorded: %+v", env)
	}
	if len(signer.got) != 32 {
		t.Errorf("signer should receive the raw 32-byte digest, got %d bytes", len(signer.got))
	}
}

func TestArchive_WithoutSigner(t *testing.T) {
	sink := NewMemorySink()
	a := NewArchiver(sink, nil, "p")

	digest := hasher.Hash([]byte("m"))
	if _, err := a.Archive(context.Background(), evidence(), []byte(`{}`), digest); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
}

func TestArchive_SignerFailure(t *testing.T) {
	a := NewArchiver(NewMemorySink(), &fakeSigner{err: errors.New("throttled")}, "p")

	_, err := a.Archive(context.Background(), evidence(), []byte(`{}`), hasher.Hash([]byte("m")))
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("expected signer error, got %v", err)
	}
}

func TestArchive_BadDigest(t *testing.T) {
	a := NewArchiver(NewMemorySink(), &fakeSigner{}, "p")
	if _, err := a.Archive(context.Background(), evidence(), []byte(`{}`), "not-hex"); err == nil {
		t.Error("expected a digest decoding error")
	}
}

func TestNew_Providers(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{Provider: "none"})
	if err != nil || a != nil {
		t.Errorf("provider none should disable archiving, got %v %v", a, err)
	}

	if _, err := New(context.Background(), config.ArchiveConfig{Provider: "tape"}); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}
