// Package idempotency decides whether a replay-keyed submission is new, an
// exact replay of an earlier one, or a conflicting reuse of its key.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/models"
)

// Outcome is the resolver's verdict.
type Outcome int

const (
	New Outcome = iota
	Replay
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Lookup finds the record holding a key, returning (nil, nil) when none does.
type Lookup interface {
	GetEvidenceByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.Evidence, error)
}

// Result carries the verdict plus, for Replay and Conflict, the record that
// already holds the key.
type Result struct {
	Outcome           Outcome
	Key               string
	ExistingID        uuid.UUID
	ExistingCreatedAt time.Time
	ExistingHash      string
	IncomingHash      string
	Existing          *models.Evidence
}

// Key builds the replay key for a method. It returns "" for methods that are
// not replay-protected or when the reference is blank.
func Key(tenantID string, method models.IngestionMethod, dataset models.DatasetType, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	switch method {
	case models.MethodAPIPush:
		return tenantID + ":" + string(dataset) + ":" + ref
	case models.MethodERPExport:
		return tenantID + ":" + string(dataset) + ":erp_export:" + ref
	}
	return ""
}

type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve classifies an incoming payload hash against whatever already holds
// key. An empty key is always New.
func (r *Resolver) Resolve(ctx context.Context, tenantID, key, payloadHash string) (*Result, error) {
	res := &Result{Outcome: New, Key: key, IncomingHash: payloadHash}
	if key == "" {
		return res, nil
	}

	existing, err := r.lookup.GetEvidenceByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	if existing == nil {
		return res, nil
	}

	res.Existing = existing
	res.ExistingID = existing.ID
	res.ExistingCreatedAt = existing.CreatedAt
	res.ExistingHash = existing.PayloadHashSHA256
	if hasher.Equal(existing.PayloadHashSHA256, payloadHash) {
		res.Outcome = Replay
	} else {
		res.Outcome = Conflict
	}
	return res, nil
}
