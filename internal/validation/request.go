package validation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/complyledger/evidence/internal/models"
)

// Fields a client may never set: the server assigns attestation and computes hashes.
var (
	AttestationFields = []string{"attestor_user_id", "attestor_email", "attested_at"}
	HashFields        = []string{"payload_hash_sha256", "metadata_hash_sha256", "seal_hash_sha256"}
)

var ErrPayloadEncoding = errors.New("unsupported payload_encoding")

// Request is an ingestion submission as received on the wire.
type Request struct {
	RequestID            string                 `json:"request_id"`
	IngestionMethod      models.IngestionMethod `json:"ingestion_method"`
	DatasetType          models.DatasetType     `json:"dataset_type"`
	DeclaredScope        models.Scope           `json:"declared_scope"`
	ScopeTargetID        string                 `json:"scope_target_id"`
	SourceSystem         models.SourceSystem    `json:"source_system"`
	PrimaryIntent        string                 `json:"primary_intent"`
	PurposeTags          []string               `json:"purpose_tags"`
	ContainsPersonalData bool                   `json:"contains_personal_data"`
	GDPRLegalBasis       string                 `json:"gdpr_legal_basis"`
	RetentionPolicy      models.RetentionPolicy `json:"retention_policy"`
	RetentionCustomDays  int                    `json:"retention_custom_days"`

	PayloadBytes    json.RawMessage `json:"payload_bytes"`
	PayloadEncoding string          `json:"payload_encoding"`
	FileMetadata    json.RawMessage `json:"file_metadata"`

	Origin    models.Origin `json:"origin"`
	TestMode  bool          `json:"test_mode"`
	TestRunID string        `json:"test_run_id"`

	ExternalReferenceID     string `json:"external_reference_id"`
	SnapshotDatetimeUTC     string `json:"snapshot_datetime_utc"`
	ExportJobID             string `json:"export_job_id"`
	ConnectorReference      string `json:"connector_reference"`
	SupplierPortalRequestID string `json:"supplier_portal_request_id"`
	EntryNotes              string `json:"entry_notes"`
	UnlinkedReason          string `json:"unlinked_reason"`
	ResolutionDueDate       string `json:"resolution_due_date"`

	present map[string]bool
}

// UnmarshalJSON decodes the request and remembers which top-level keys
// carried a non-null value, so forbidden fields are caught whatever their type.
func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}

	*r = Request(p)
	r.present = make(map[string]bool, len(keys))
	for k, v := range keys {
		if !isNull(v) {
			r.present[k] = true
		}
	}
	return nil
}

// DecodeRequest reads a single JSON object from body.
func DecodeRequest(body io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decoding request body: trailing data after JSON object")
	}
	return &req, nil
}

// Has reports whether the submission carried a non-null value for key.
func (r *Request) Has(key string) bool {
	if r.present != nil {
		return r.present[key]
	}
	switch key {
	case "payload_bytes":
		return !isNull(r.PayloadBytes)
	case "file_metadata":
		return !isNull(r.FileMetadata)
	}
	return false
}

// Payload returns the decoded payload bytes. A JSON string carries text or
// base64 per payload_encoding; any other JSON value is taken verbatim.
func (r *Request) Payload() ([]byte, error) {
	raw := bytes.TrimSpace(r.PayloadBytes)
	if isNull(raw) {
		return nil, nil
	}
	if raw[0] != '"' {
		return append([]byte(nil), raw...), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding payload_bytes: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(r.PayloadEncoding)) {
	case "", "utf8", "utf-8":
		return []byte(s), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPayloadEncoding, r.PayloadEncoding)
}

// field returns the trimmed string value of a contract-named field.
func (r *Request) field(name string) string {
	var v string
	switch name {
	case "request_id":
		v = r.RequestID
	case "ingestion_method":
		v = string(r.IngestionMethod)
	case "dataset_type":
		v = string(r.DatasetType)
	case "declared_scope":
		v = string(r.DeclaredScope)
	case "scope_target_id":
		v = r.ScopeTargetID
	case "source_system":
		v = string(r.SourceSystem)
	case "primary_intent":
		v = r.PrimaryIntent
	case "purpose_tags":
		for _, tag := range r.PurposeTags {
			if strings.TrimSpace(tag) != "" {
				return tag
			}
		}
		return ""
	case "retention_policy":
		v = string(r.RetentionPolicy)
	case "gdpr_legal_basis":
		v = r.GDPRLegalBasis
	case "external_reference_id":
		v = r.ExternalReferenceID
	case "snapshot_datetime_utc":
		v = r.SnapshotDatetimeUTC
	case "export_job_id":
		v = r.ExportJobID
	case "connector_reference":
		v = r.ConnectorReference
	case "supplier_portal_request_id":
		v = r.SupplierPortalRequestID
	case "entry_notes":
		v = r.EntryNotes
	case "unlinked_reason":
		v = r.UnlinkedReason
	case "resolution_due_date":
		v = r.ResolutionDueDate
	}
	return strings.TrimSpace(v)
}

// Metadata is the descriptive part of a submission that metadata_hash_sha256
// covers. It excludes payload bytes, request correlation and test flags so a
// retried request hashes identically.
type Metadata struct {
	TenantID                string          `json:"tenant_id"`
	IngestionMethod         string          `json:"ingestion_method"`
	DatasetType             string          `json:"dataset_type"`
	DeclaredScope           string          `json:"declared_scope"`
	ScopeTargetID           string          `json:"scope_target_id,omitempty"`
	SourceSystem            string          `json:"source_system"`
	PrimaryIntent           string          `json:"primary_intent"`
	PurposeTags             []string        `json:"purpose_tags"`
	ContainsPersonalData    bool            `json:"contains_personal_data"`
	GDPRLegalBasis          string          `json:"gdpr_legal_basis,omitempty"`
	RetentionPolicy         string          `json:"retention_policy"`
	RetentionCustomDays     int             `json:"retention_custom_days,omitempty"`
	Origin                  string          `json:"origin"`
	ExternalReferenceID     string          `json:"external_reference_id,omitempty"`
	SnapshotDatetimeUTC     string          `json:"snapshot_datetime_utc,omitempty"`
	ExportJobID             string          `json:"export_job_id,omitempty"`
	ConnectorReference      string          `json:"connector_reference,omitempty"`
	SupplierPortalRequestID string          `json:"supplier_portal_request_id,omitempty"`
	EntryNotes              string          `json:"entry_notes,omitempty"`
	UnlinkedReason          string          `json:"unlinked_reason,omitempty"`
	ResolutionDueDate       string          `json:"resolution_due_date,omitempty"`
	FileMetadata            json.RawMessage `json:"file_metadata,omitempty"`
}

// MetadataFor builds the hashed metadata of an admitted request.
func MetadataFor(tenantID string, req *Request, adm *Admission) Metadata {
	m := Metadata{
		TenantID:                tenantID,
		IngestionMethod:         string(req.IngestionMethod),
		DatasetType:             string(req.DatasetType),
		DeclaredScope:           string(req.DeclaredScope),
		ScopeTargetID:           strings.TrimSpace(req.ScopeTargetID),
		SourceSystem:            string(adm.SourceSystem),
		PrimaryIntent:           strings.TrimSpace(req.PrimaryIntent),
		PurposeTags:             req.PurposeTags,
		ContainsPersonalData:    req.ContainsPersonalData,
		GDPRLegalBasis:          strings.TrimSpace(req.GDPRLegalBasis),
		RetentionPolicy:         string(req.RetentionPolicy),
		Origin:                  string(adm.Origin),
		ExternalReferenceID:     strings.TrimSpace(req.ExternalReferenceID),
		SnapshotDatetimeUTC:     strings.TrimSpace(req.SnapshotDatetimeUTC),
		ExportJobID:             strings.TrimSpace(req.ExportJobID),
		ConnectorReference:      strings.TrimSpace(req.ConnectorReference),
		SupplierPortalRequestID: strings.TrimSpace(req.SupplierPortalRequestID),
		EntryNotes:              strings.TrimSpace(req.EntryNotes),
		UnlinkedReason:          strings.TrimSpace(req.UnlinkedReason),
		ResolutionDueDate:       strings.TrimSpace(req.ResolutionDueDate),
	}
	if req.RetentionPolicy == models.RetentionCustom {
		m.RetentionCustomDays = req.RetentionCustomDays
	}
	if m.PurposeTags == nil {
		m.PurposeTags = []string{}
	}
	if !isNull(req.FileMetadata) {
		m.FileMetadata = req.FileMetadata
	}
	return m
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
