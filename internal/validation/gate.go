// Package validation implements the admission gate every ingestion request
// passes before anything is hashed or stored. Checks run in a fixed order
// and stop at the first failure; each failure is a typed *errcode.Failure.
package validation

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/contracts"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/retention"
)

const (
	MinUnlinkedReasonChars = 30
	MinEntryNotesChars     = 20

	DefaultMaxPayloadBytes = 25 << 20
)

// placeholderValues are rejected anywhere inside a manual entry payload.
var placeholderValues = map[string]struct{}{
	"test": {},
	"asdf": {},
	"xxx":  {},
	"-":    {},
	"n/a":  {},
	"tbd":  {},
}

// Admission is what the gate hands to the ingestion pipeline on success.
type Admission struct {
	Contract          contracts.Contract
	SourceSystem      models.SourceSystem
	Origin            models.Origin
	Payload           []byte
	PayloadDeferred   bool
	Quarantined       bool
	QuarantineReason  string
	ResolutionDueDate *time.Time
	// IdempotencyRef is the value of the contract's idempotency field, if any.
	IdempotencyRef string
}

type Gate struct {
	clock           clock.Clock
	maxPayloadBytes int
}

type Option func(*Gate)

func WithMaxPayloadBytes(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxPayloadBytes = n
		}
	}
}

func NewGate(c clock.Clock, opts ...Option) *Gate {
	if c == nil {
		c = clock.System{}
	}
	g := &Gate{clock: c, maxPayloadBytes: DefaultMaxPayloadBytes}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate runs the admission checks against a request for a tenant in the
// given data mode. Exactly one of the results is non-nil.
func (g *Gate) Validate(req *Request, mode models.DataMode) (*Admission, *errcode.Failure) {
	if req == nil {
		return nil, errcode.New(errcode.MalformedBody, "request body is required")
	}
	if req.field("request_id") == "" {
		return nil, errcode.New(errcode.MissingRequiredField, "request_id is required").OnField("request_id")
	}

	adm := &Admission{}

	// 1. data mode
	if f := g.checkDataMode(req, mode, adm); f != nil {
		return nil, f
	}

	method := models.IngestionMethod(req.field("ingestion_method"))
	if method == "" {
		return nil, errcode.New(errcode.MissingRequiredField, "ingestion_method is required").OnField("ingestion_method")
	}
	contract, ok := contracts.Lookup(method)
	if !ok {
		return nil, errcode.Newf(errcode.UnknownIngestionMethod, "unknown ingestion method %q", method).
			OnField("ingestion_method")
	}
	adm.Contract = contract

	// 2. method x dataset
	if f := checkMethodDataset(req, method); f != nil {
		return nil, f
	}

	// 3. dataset x scope
	if f := checkDatasetScope(req, method); f != nil {
		return nil, f
	}

	// 4. required fields
	if f := checkRequired(req, contract); f != nil {
		return nil, f
	}

	// 5. source system
	if f := checkSource(req, contract, adm); f != nil {
		return nil, f
	}

	// 6. scope rules
	if f := g.checkScope(req, adm); f != nil {
		return nil, f
	}

	// 7. method-specific rules
	if f := checkMethodRules(req, contract, adm); f != nil {
		return nil, f
	}

	// 8. GDPR
	if req.ContainsPersonalData && req.field("gdpr_legal_basis") == "" {
		return nil, errcode.New(errcode.MissingGDPRLegalBasis, "gdpr_legal_basis is required when contains_personal_data is true").
			OnField("gdpr_legal_basis")
	}

	// 9. payload presence
	if f := g.checkPayload(req, contract, adm); f != nil {
		return nil, f
	}

	// 10. client hashes
	for _, field := range HashFields {
		if req.Has(field) {
			return nil, errcode.Newf(errcode.ClientHashRejected, "%s is computed by the server and must not be supplied", field).
				OnField(field)
		}
	}

	// 11. retention
	if f := checkRetention(req); f != nil {
		return nil, f
	}

	if contract.IdempotencyField != "" {
		adm.IdempotencyRef = req.field(contract.IdempotencyField)
	}
	return adm, nil
}

func (g *Gate) checkDataMode(req *Request, mode models.DataMode, adm *Admission) *errcode.Failure {
	origin := models.Origin(strings.TrimSpace(string(req.Origin)))
	if origin == "" {
		origin = models.OriginUserSubmission
	}
	if !origin.Valid() {
		return errcode.Newf(errcode.InvalidOrigin, "unknown origin %q", req.Origin).OnField("origin")
	}
	adm.Origin = origin

	if mode != models.DataModeLive {
		return nil
	}
	if origin == models.OriginTestFixture {
		return errcode.New(errcode.FixtureInLive, "test fixtures cannot be ingested into a LIVE tenant").OnField("origin")
	}
	if req.TestMode {
		return errcode.New(errcode.TestModeBlockedInLive, "test mode is not available for a LIVE tenant").OnField("test_mode")
	}
	if strings.TrimSpace(req.TestRunID) != "" {
		return errcode.New(errcode.TestModeBlockedInLive, "test runs are not available for a LIVE tenant").OnField("test_run_id")
	}
	return nil
}

func checkMethodDataset(req *Request, method models.IngestionMethod) *errcode.Failure {
	dataset := models.DatasetType(req.field("dataset_type"))
	if dataset == "" {
		return errcode.New(errcode.MissingRequiredField, "dataset_type is required").OnField("dataset_type")
	}
	if !dataset.Valid() {
		return errcode.Newf(errcode.InvalidDatasetType, "unknown dataset type %q", dataset).OnField("dataset_type")
	}
	if contracts.MethodAllowed(dataset, method) {
		return nil
	}

	allowed := contracts.AllowedMethods(dataset)
	recommended, _ := contracts.RecommendedMethod(dataset)
	return errcode.Newf(errcode.MethodDatasetIncompatible,
		"%s cannot be ingested via %s; use %s", dataset, method, recommended).
		OnField("ingestion_method").
		With("allowed_methods", allowed).
		With("recommended_method", recommended)
}

func checkDatasetScope(req *Request, method models.IngestionMethod) *errcode.Failure {
	scope := models.Scope(req.field("declared_scope"))
	if scope == "" {
		return nil
	}
	if !scope.Valid() {
		return errcode.Newf(errcode.InvalidDeclaredScope, "unknown declared scope %q", scope).OnField("declared_scope")
	}
	if method != models.MethodManualEntry {
		return nil
	}

	dataset := models.DatasetType(req.field("dataset_type"))
	if contracts.ManualScopeAllowed(dataset, scope) {
		return nil
	}
	return errcode.Newf(errcode.DatasetScopeIncompatible,
		"manual %s entries cannot declare scope %s", dataset, scope).
		OnField("declared_scope").
		With("allowed_scopes", contracts.ManualScopes(dataset))
}

func checkRequired(req *Request, contract contracts.Contract) *errcode.Failure {
	for _, fields := range [][]string{contracts.CommonRequiredFields, contract.RequiredFields} {
		for _, name := range fields {
			if req.field(name) == "" {
				return errcode.Newf(errcode.MissingRequiredField, "%s is required for %s", name, contract.Method).
					OnField(name)
			}
		}
	}
	return nil
}

func checkSource(req *Request, contract contracts.Contract, adm *Admission) *errcode.Failure {
	if contract.ForcedSource != "" {
		adm.SourceSystem = contract.ForcedSource
		return nil
	}

	source := models.SourceSystem(req.field("source_system"))
	if !contract.AllowsSource(source) {
		return errcode.Newf(errcode.InvalidSourceForMethod, "%s does not accept source system %q", contract.Method, source).
			OnField("source_system").
			With("allowed_sources", contract.AllowedSources)
	}
	if !source.Valid() {
		return errcode.Newf(errcode.InvalidSourceSystem, "unknown source system %q", source).OnField("source_system")
	}
	adm.SourceSystem = source
	return nil
}

func (g *Gate) checkScope(req *Request, adm *Admission) *errcode.Failure {
	scope := models.Scope(req.field("declared_scope"))
	target := req.field("scope_target_id")

	switch {
	case scope.RequiresTarget():
		if target == "" {
			return errcode.Newf(errcode.MissingScopeTarget, "scope_target_id is required for scope %s", scope).
				OnField("scope_target_id")
		}
		return nil
	case scope == models.ScopeEntireOrganization:
		if target != "" {
			return errcode.New(errcode.ScopeTargetNotAllowed, "scope_target_id must be empty for ENTIRE_ORGANIZATION").
				OnField("scope_target_id")
		}
		return nil
	}

	// UNKNOWN
	if target != "" {
		return errcode.New(errcode.ScopeTargetNotAllowed, "scope_target_id must be empty while scope is UNKNOWN").
			OnField("scope_target_id")
	}

	reason := req.field("unlinked_reason")
	if reason == "" {
		return errcode.New(errcode.MissingUnlinkedReason, "unlinked_reason is required for scope UNKNOWN").
			OnField("unlinked_reason")
	}
	if utf8.RuneCountInString(reason) < MinUnlinkedReasonChars {
		return errcode.Newf(errcode.InvalidUnlinkedReason, "unlinked_reason must be at least %d characters", MinUnlinkedReasonChars).
			OnField("unlinked_reason")
	}

	rawDue := req.field("resolution_due_date")
	if rawDue == "" {
		return errcode.New(errcode.MissingResolutionDate, "resolution_due_date is required for scope UNKNOWN").
			OnField("resolution_due_date")
	}
	due, err := retention.ParseDate(rawDue)
	if err != nil {
		return errcode.New(errcode.InvalidResolutionDate, err.Error()).OnField("resolution_due_date")
	}
	if err := retention.CheckResolutionDate(due, g.clock.Now()); err != nil {
		return errcode.New(errcode.InvalidResolutionDate, err.Error()).OnField("resolution_due_date")
	}

	adm.Quarantined = true
	adm.QuarantineReason = reason
	adm.ResolutionDueDate = &due
	return nil
}

func checkMethodRules(req *Request, contract contracts.Contract, adm *Admission) *errcode.Failure {
	if contract.ServerAttestation {
		for _, field := range AttestationFields {
			if req.Has(field) {
				return errcode.Newf(errcode.AttestationForgery, "%s is assigned by the server and must not be supplied", field).
					OnField(field)
			}
		}
		if utf8.RuneCountInString(req.field("entry_notes")) < MinEntryNotesChars {
			return errcode.Newf(errcode.InvalidAttestationNotes, "entry_notes must be at least %d characters", MinEntryNotesChars).
				OnField("entry_notes")
		}
	}

	if contract.Payload == contracts.PayloadDeferred && req.Has("payload_bytes") {
		return errcode.Newf(errcode.ClientPayloadNotAllowed, "%s payloads are fetched by the server", contract.Method).
			OnField("payload_bytes")
	}

	if !contract.FilesAllowed && req.Has("file_metadata") {
		return errcode.Newf(errcode.FileAttachmentNotAllowed, "%s does not accept file attachments", contract.Method).
			OnField("file_metadata")
	}

	if contract.Payload == contracts.PayloadDeferred || !req.Has("payload_bytes") {
		return nil
	}

	payload, err := req.Payload()
	if err != nil {
		return errcode.New(errcode.InvalidPayload, err.Error()).OnField("payload_bytes")
	}
	adm.Payload = payload

	switch contract.Payload {
	case contracts.PayloadJSONObject:
		if f := checkManualPayload(payload); f != nil {
			return f
		}
	case contracts.PayloadJSON:
		if len(bytes.TrimSpace(payload)) > 0 && !json.Valid(payload) {
			return errcode.New(errcode.InvalidPayload, "payload must be valid JSON").OnField("payload_bytes")
		}
	}
	return nil
}

func checkManualPayload(payload []byte) *errcode.Failure {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return errcode.New(errcode.InvalidPayload, "manual entry payload must be a JSON object").OnField("payload_bytes")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return errcode.New(errcode.InvalidPayload, "manual entry payload must be a JSON object").OnField("payload_bytes")
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return errcode.New(errcode.InvalidPayload, "manual entry payload must be a JSON object, not an array or scalar").
			OnField("payload_bytes")
	}
	if len(obj) == 0 {
		return errcode.New(errcode.InvalidPayload, "manual entry payload must not be empty").OnField("payload_bytes")
	}
	if path, found := findPlaceholder(obj, ""); found {
		return errcode.Newf(errcode.InvalidPayload, "placeholder value at %s", path).
			OnField("payload_bytes").
			With("path", path)
	}
	return nil
}

// findPlaceholder walks a decoded JSON value and returns the path of the
// first string that is a known placeholder.
func findPlaceholder(v interface{}, path string) (string, bool) {
	switch t := v.(type) {
	case string:
		if _, bad := placeholderValues[strings.ToLower(strings.TrimSpace(t))]; bad {
			return path, true
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if found, ok := findPlaceholder(t[k], p); ok {
				return found, true
			}
		}
	case []interface{}:
		for i, child := range t {
			if found, ok := findPlaceholder(child, path+"["+strconv.Itoa(i)+"]"); ok {
				return found, true
			}
		}
	}
	return "", false
}

func (g *Gate) checkPayload(req *Request, contract contracts.Contract, adm *Admission) *errcode.Failure {
	if contract.Payload == contracts.PayloadDeferred {
		adm.PayloadDeferred = true
		return nil
	}
	if !req.Has("payload_bytes") {
		return errcode.Newf(errcode.MissingPayload, "payload_bytes is required for %s", contract.Method).
			OnField("payload_bytes")
	}
	if contract.Method == models.MethodFileUpload && len(adm.Payload) == 0 {
		return errcode.New(errcode.MissingPayload, "FILE_UPLOAD requires a non-empty payload").OnField("payload_bytes")
	}
	if len(adm.Payload) > g.maxPayloadBytes {
		return errcode.Newf(errcode.PayloadTooLarge, "payload exceeds %d bytes", g.maxPayloadBytes).
			OnField("payload_bytes")
	}
	return nil
}

func checkRetention(req *Request) *errcode.Failure {
	policy := models.RetentionPolicy(req.field("retention_policy"))
	if !retention.ValidPolicy(policy) {
		return errcode.Newf(errcode.InvalidRetentionPolicy, "unknown retention policy %q", policy).
			OnField("retention_policy")
	}
	if policy == models.RetentionCustom {
		days := req.RetentionCustomDays
		if days < retention.MinCustomDays || days > retention.MaxCustomDays {
			return errcode.New(errcode.InvalidRetentionPolicy, retention.ErrCustomDaysRange.Error()).
				OnField("retention_custom_days")
		}
	}
	return nil
}
