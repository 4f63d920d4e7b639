package validation

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/models"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestGate() *Gate {
	return NewGate(clock.NewFixed(testNow))
}

func manualEntry() map[string]interface{} {
	return map[string]interface{}{
		"request_id":       "r1",
		"ingestion_method": "MANUAL_ENTRY",
		"dataset_type":     "SUPPLIER_MASTER",
		"declared_scope":   "ENTIRE_ORGANIZATION",
		"primary_intent":   "x",
		"purpose_tags":     []string{"a"},
		"retention_policy": "3_YEARS",
		"entry_notes":      "Attesting data from email thread",
		"payload_bytes":    `{"name":"ACME"}`,
	}
}

func apiPush() map[string]interface{} {
	return map[string]interface{}{
		"request_id":            "r2",
		"ingestion_method":      "API_PUSH",
		"dataset_type":          "BOM",
		"declared_scope":        "PRODUCT_FAMILY",
		"scope_target_id":       "pf-100",
		"source_system":         "SAP",
		"primary_intent":        "pcf_calculation",
		"purpose_tags":          []string{"cbam"},
		"retention_policy":      "7_YEARS",
		"external_reference_id": "bom-42",
		"payload_bytes":         `{"lines":[{"part":"A-1","qty":2}]}`,
	}
}

func erpAPI() map[string]interface{} {
	return map[string]interface{}{
		"request_id":            "r3",
		"ingestion_method":      "ERP_API",
		"dataset_type":          "TRANSACTION_LOG",
		"declared_scope":        "ENTIRE_ORGANIZATION",
		"source_system":         "ORACLE",
		"primary_intent":        "ledger",
		"purpose_tags":          []string{"audit"},
		"retention_policy":      "STANDARD_1_YEAR",
		"connector_reference":   "conn-7",
		"snapshot_datetime_utc": "2026-05-31T00:00:00Z",
	}
}

func decode(t *testing.T, fields map[string]interface{}) *Request {
	t.Helper()
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	req, err := DecodeRequest(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	return req
}

func with(base map[string]interface{}, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func expectFailure(t *testing.T, g *Gate, fields map[string]interface{}, mode models.DataMode, code errcode.Code, field string) *errcode.Failure {
	t.Helper()
	adm, f := g.Validate(decode(t, fields), mode)
	if f == nil {
		t.Fatalf("expected %s, got admission %+v", code, adm)
	}
	if adm != nil {
		t.Errorf("expected nil admission alongside failure")
	}
	if f.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, f.Code, f.Message)
	}
	if field != "" && f.Field != field {
		t.Errorf("expected field %s, got %s", field, f.Field)
	}
	return f
}

func TestValidate_ManualEntryScenario(t *testing.T) {
	adm, f := newTestGate().Validate(decode(t, manualEntry()), models.DataModeLive)
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if adm.SourceSystem != models.SourceInternalManual {
		t.Errorf("expected forced INTERNAL_MANUAL, got %s", adm.SourceSystem)
	}
	if adm.Contract.Trust != models.TrustLow {
		t.Errorf("expected LOW trust, got %s", adm.Contract.Trust)
	}
	if adm.Quarantined {
		t.Error("did not expect quarantine")
	}
	if string(adm.Payload) != `{"name":"ACME"}` {
		t.Errorf("unexpected payload %q", adm.Payload)
	}
	if adm.Origin != models.OriginUserSubmission {
		t.Errorf("expected default origin, got %s", adm.Origin)
	}
}

func TestValidate_RequestIDRequired(t *testing.T) {
	expectFailure(t, newTestGate(), with(manualEntry(), map[string]interface{}{"request_id": nil}),
		models.DataModeLive, errcode.MissingRequiredField, "request_id")
}

func TestValidate_DataModeGate(t *testing.T) {
	g := newTestGate()

	tests := []struct {
		name     string
		override map[string]interface{}
		mode     models.DataMode
		code     errcode.Code
	}{
		{"fixture origin in live", map[string]interface{}{"origin": "TEST_FIXTURE"}, models.DataModeLive, errcode.FixtureInLive},
		{"test mode in live", map[string]interface{}{"test_mode": true}, models.DataModeLive, errcode.TestModeBlockedInLive},
		{"test run in live", map[string]interface{}{"test_run_id": "run-1"}, models.DataModeLive, errcode.TestModeBlockedInLive},
		{"unknown origin", map[string]interface{}{"origin": "SCRAPER"}, models.DataModeDemo, errcode.InvalidOrigin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := expectFailure(t, g, with(manualEntry(), tt.override), tt.mode, tt.code, "")
			if tt.mode != models.DataModeLive {
				return
			}
			if !errcode.IsSecurity(f.Code) {
				t.Errorf("expected %s to be a security code", f.Code)
			}
			if f.Status() != 403 {
				t.Errorf("expected 403 for %s, got %d", f.Code, f.Status())
			}
		})
	}

	if _, f := g.Validate(decode(t, with(manualEntry(), map[string]interface{}{"origin": "TEST_FIXTURE", "test_mode": true})), models.DataModeTestFixture); f != nil {
		t.Errorf("fixture tenants accept fixtures, got %v", f)
	}
}

func TestValidate_DataModeRunsFirst(t *testing.T) {
	// Everything else about this request is wrong too; the data-mode gate must win.
	fields := map[string]interface{}{
		"request_id":       "r9",
		"origin":           "TEST_FIXTURE",
		"ingestion_method": "FAX",
	}
	expectFailure(t, newTestGate(), fields, models.DataModeLive, errcode.FixtureInLive, "origin")
}

func TestValidate_MethodDatasetIncompatible(t *testing.T) {
	g := newTestGate()

	tests := []struct {
		dataset     string
		method      string
		recommended models.IngestionMethod
	}{
		{"BOM", "MANUAL_ENTRY", models.MethodERPAPI},
		{"CERTIFICATE", "ERP_API", models.MethodSupplierPortal},
		{"TEST_REPORT", "ERP_EXPORT", models.MethodFileUpload},
		{"TRANSACTION_LOG", "SUPPLIER_PORTAL", models.MethodERPAPI},
	}

	for _, tt := range tests {
		t.Run(tt.dataset+"/"+tt.method, func(t *testing.T) {
			fields := with(manualEntry(), map[string]interface{}{
				"dataset_type":     tt.dataset,
				"ingestion_method": tt.method,
			})
			f := expectFailure(t, g, fields, models.DataModeLive, errcode.MethodDatasetIncompatible, "ingestion_method")
			if f.Details["recommended_method"] != tt.recommended {
				t.Errorf("expected recommended %s, got %v", tt.recommended, f.Details["recommended_method"])
			}
			allowed, ok := f.Details["allowed_methods"].([]models.IngestionMethod)
			if !ok || len(allowed) == 0 || allowed[0] != tt.recommended {
				t.Errorf("expected allowed_methods led by %s, got %v", tt.recommended, f.Details["allowed_methods"])
			}
		})
	}
}

func TestValidate_UnknownEnums(t *testing.T) {
	g := newTestGate()
	expectFailure(t, g, with(manualEntry(), map[string]interface{}{"ingestion_method": "FAX"}),
		models.DataModeLive, errcode.UnknownIngestionMethod, "ingestion_method")
	expectFailure(t, g, with(manualEntry(), map[string]interface{}{"dataset_type": "PAYROLL"}),
		models.DataModeLive, errcode.InvalidDatasetType, "dataset_type")
	expectFailure(t, g, with(manualEntry(), map[string]interface{}{"declared_scope": "GALAXY"}),
		models.DataModeLive, errcode.InvalidDeclaredScope, "declared_scope")
}

func TestValidate_DatasetScopeManualOnly(t *testing.T) {
	g := newTestGate()
	expectFailure(t, g, with(manualEntry(), map[string]interface{}{
		"declared_scope":  "PRODUCT_FAMILY",
		"scope_target_id": "pf-1",
	}), models.DataModeLive, errcode.DatasetScopeIncompatible, "declared_scope")

	// The same scope is fine for a non-manual method.
	push := with(apiPush(), map[string]interface{}{"dataset_type": "SUPPLIER_MASTER"})
	if _, f := g.Validate(decode(t, push), models.DataModeLive); f != nil {
		t.Errorf("unexpected failure for API_PUSH: %v", f)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	g := newTestGate()

	tests := []struct {
		name  string
		base  map[string]interface{}
		field string
		value interface{}
	}{
		{"manual notes missing", manualEntry(), "entry_notes", nil},
		{"manual notes blank", manualEntry(), "entry_notes", "   "},
		{"primary intent blank", manualEntry(), "primary_intent", " "},
		{"purpose tags empty", manualEntry(), "purpose_tags", []string{}},
		{"purpose tags blank", manualEntry(), "purpose_tags", []string{" ", ""}},
		{"retention missing", manualEntry(), "retention_policy", nil},
		{"declared scope missing", apiPush(), "declared_scope", nil},
		{"external reference missing", apiPush(), "external_reference_id", nil},
		{"source missing", apiPush(), "source_system", ""},
		{"connector missing", erpAPI(), "connector_reference", nil},
		{"snapshot missing", erpAPI(), "snapshot_datetime_utc", "  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := with(tt.base, map[string]interface{}{tt.field: tt.value})
			if tt.value == nil {
				delete(fields, tt.field)
			}
			f := expectFailure(t, g, fields, models.DataModeLive, errcode.MissingRequiredField, tt.field)
			if !strings.Contains(f.Message, tt.field) {
				t.Errorf("expected message to name %s, got %q", tt.field, f.Message)
			}
		})
	}
}

func TestValidate_RequiredFieldsNamesFirstMissing(t *testing.T) {
	fields := with(apiPush(), map[string]interface{}{
		"primary_intent":        nil,
		"external_reference_id": nil,
	})
	expectFailure(t, newTestGate(), fields, models.DataModeLive, errcode.MissingRequiredField, "primary_intent")
}

func TestValidate_SourceSystem(t *testing.T) {
	g := newTestGate()

	adm, f := g.Validate(decode(t, with(manualEntry(), map[string]interface{}{"source_system": "SAP"})), models.DataModeLive)
	if f != nil {
		t.Fatalf("forced source must override silently, got %v", f)
	}
	if adm.SourceSystem != models.SourceInternalManual {
		t.Errorf("expected INTERNAL_MANUAL, got %s", adm.SourceSystem)
	}

	expectFailure(t, g, with(erpAPI(), map[string]interface{}{"source_system": "OTHER"}),
		models.DataModeLive, errcode.InvalidSourceForMethod, "source_system")
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"source_system": "MAINFRAME"}),
		models.DataModeLive, errcode.InvalidSourceSystem, "source_system")
}

func TestValidate_ScopeRules(t *testing.T) {
	g := newTestGate()
	longReason := "Supplier legal entity not yet mapped in ERP"

	tests := []struct {
		name     string
		override map[string]interface{}
		code     errcode.Code
		field    string
	}{
		{"target required", map[string]interface{}{"scope_target_id": nil}, errcode.MissingScopeTarget, "scope_target_id"},
		{"target forbidden for org", map[string]interface{}{"declared_scope": "ENTIRE_ORGANIZATION"}, errcode.ScopeTargetNotAllowed, "scope_target_id"},
		{"unknown needs reason", map[string]interface{}{"declared_scope": "UNKNOWN", "scope_target_id": nil}, errcode.MissingUnlinkedReason, "unlinked_reason"},
		{"unknown forbids target", map[string]interface{}{"declared_scope": "UNKNOWN", "unlinked_reason": longReason}, errcode.ScopeTargetNotAllowed, "scope_target_id"},
		{"reason 29 chars", map[string]interface{}{
			"declared_scope": "UNKNOWN", "scope_target_id": nil,
			"unlinked_reason": strings.Repeat("a", 29), "resolution_due_date": "2026-06-02",
		}, errcode.InvalidUnlinkedReason, "unlinked_reason"},
		{"due date missing", map[string]interface{}{
			"declared_scope": "UNKNOWN", "scope_target_id": nil, "unlinked_reason": longReason,
		}, errcode.MissingResolutionDate, "resolution_due_date"},
		{"due date today", map[string]interface{}{
			"declared_scope": "UNKNOWN", "scope_target_id": nil, "unlinked_reason": longReason,
			"resolution_due_date": "2026-06-01",
		}, errcode.InvalidResolutionDate, "resolution_due_date"},
		{"due date 91 days", map[string]interface{}{
			"declared_scope": "UNKNOWN", "scope_target_id": nil, "unlinked_reason": longReason,
			"resolution_due_date": testNow.AddDate(0, 0, 91).Format("2006-01-02"),
		}, errcode.InvalidResolutionDate, "resolution_due_date"},
		{"due date garbage", map[string]interface{}{
			"declared_scope": "UNKNOWN", "scope_target_id": nil, "unlinked_reason": longReason,
			"resolution_due_date": "next week",
		}, errcode.InvalidResolutionDate, "resolution_due_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectFailure(t, g, with(apiPush(), tt.override), models.DataModeLive, tt.code, tt.field)
		})
	}
}

func TestValidate_UnknownScopeQuarantines(t *testing.T) {
	g := newTestGate()

	for _, due := range []string{"2026-06-02", testNow.AddDate(0, 0, 90).Format("2006-01-02"), "2026-06-02T08:00:00Z"} {
		t.Run(due, func(t *testing.T) {
			fields := with(apiPush(), map[string]interface{}{
				"declared_scope":      "UNKNOWN",
				"scope_target_id":     nil,
				"unlinked_reason":     strings.Repeat("r", 30),
				"resolution_due_date": due,
			})
			adm, f := g.Validate(decode(t, fields), models.DataModeLive)
			if f != nil {
				t.Fatalf("unexpected failure: %v", f)
			}
			if !adm.Quarantined {
				t.Error("expected quarantine")
			}
			if adm.QuarantineReason != strings.Repeat("r", 30) {
				t.Errorf("unexpected reason %q", adm.QuarantineReason)
			}
			if adm.ResolutionDueDate == nil {
				t.Error("expected resolution due date")
			}
		})
	}
}

func TestValidate_ManualEntryRules(t *testing.T) {
	g := newTestGate()

	tests := []struct {
		name     string
		override map[string]interface{}
		code     errcode.Code
		field    string
	}{
		{"attestor id forged", map[string]interface{}{"attestor_user_id": "user-1"}, errcode.AttestationForgery, "attestor_user_id"},
		{"attestor email forged", map[string]interface{}{"attestor_email": "a@b.c"}, errcode.AttestationForgery, "attestor_email"},
		{"attested at forged", map[string]interface{}{"attested_at": "2026-06-01T00:00:00Z"}, errcode.AttestationForgery, "attested_at"},
		{"short notes", map[string]interface{}{"entry_notes": "too short"}, errcode.InvalidAttestationNotes, "entry_notes"},
		{"file attached", map[string]interface{}{"file_metadata": map[string]string{"name": "a.pdf"}}, errcode.FileAttachmentNotAllowed, "file_metadata"},
		{"array payload", map[string]interface{}{"payload_bytes": `[{"name":"ACME"}]`}, errcode.InvalidPayload, "payload_bytes"},
		{"scalar payload", map[string]interface{}{"payload_bytes": `"ACME"`}, errcode.InvalidPayload, "payload_bytes"},
		{"not json", map[string]interface{}{"payload_bytes": `name=ACME`}, errcode.InvalidPayload, "payload_bytes"},
		{"empty object", map[string]interface{}{"payload_bytes": `{}`}, errcode.InvalidPayload, "payload_bytes"},
		{"empty payload", map[string]interface{}{"payload_bytes": ""}, errcode.InvalidPayload, "payload_bytes"},
		{"blank payload", map[string]interface{}{"payload_bytes": "   "}, errcode.InvalidPayload, "payload_bytes"},
		{"placeholder", map[string]interface{}{"payload_bytes": `{"name":"TBD"}`}, errcode.InvalidPayload, "payload_bytes"},
		{"nested placeholder", map[string]interface{}{"payload_bytes": `{"sites":[{"city":" n/a "}]}`}, errcode.InvalidPayload, "payload_bytes"},
		{"dash placeholder", map[string]interface{}{"payload_bytes": `{"vat":"-"}`}, errcode.InvalidPayload, "payload_bytes"},
		{"payload missing", map[string]interface{}{"payload_bytes": nil}, errcode.MissingPayload, "payload_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectFailure(t, g, with(manualEntry(), tt.override), models.DataModeLive, tt.code, tt.field)
		})
	}
}

func TestValidate_ForgeryEvenWithOwnIdentity(t *testing.T) {
	// The gate never sees the caller; any attestor value is a forgery.
	for _, id := range []string{"admin-1", ""} {
		fields := with(manualEntry(), map[string]interface{}{"attestor_user_id": id})
		f := expectFailure(t, newTestGate(), fields, models.DataModeLive, errcode.AttestationForgery, "attestor_user_id")
		if errcode.HTTPStatus(f.Code) != 403 {
			t.Errorf("expected 403, got %d", errcode.HTTPStatus(f.Code))
		}
	}
}

func TestValidate_PlaceholderFindsPath(t *testing.T) {
	fields := with(manualEntry(), map[string]interface{}{"payload_bytes": `{"a":{"b":["ok","xxx"]}}`})
	f := expectFailure(t, newTestGate(), fields, models.DataModeLive, errcode.InvalidPayload, "payload_bytes")
	if f.Details["path"] != "a.b[1]" {
		t.Errorf("expected path a.b[1], got %v", f.Details["path"])
	}
}

func TestValidate_ERPAPIRules(t *testing.T) {
	g := newTestGate()

	adm, f := g.Validate(decode(t, erpAPI()), models.DataModeLive)
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if !adm.PayloadDeferred {
		t.Error("expected deferred payload")
	}

	expectFailure(t, g, with(erpAPI(), map[string]interface{}{"payload_bytes": "abc"}),
		models.DataModeLive, errcode.ClientPayloadNotAllowed, "payload_bytes")
	expectFailure(t, g, with(erpAPI(), map[string]interface{}{"file_metadata": map[string]string{"name": "x.csv"}}),
		models.DataModeLive, errcode.FileAttachmentNotAllowed, "file_metadata")
}

func TestValidate_FileRules(t *testing.T) {
	g := newTestGate()
	upload := map[string]interface{}{
		"request_id":            "r4",
		"ingestion_method":      "FILE_UPLOAD",
		"dataset_type":          "CERTIFICATE",
		"declared_scope":        "SITE",
		"scope_target_id":       "site-9",
		"source_system":         "OTHER",
		"primary_intent":        "iso14001",
		"purpose_tags":          []string{"certification"},
		"retention_policy":      "CUSTOM",
		"retention_custom_days": 400,
		"payload_bytes":         "JVBERi0xLjQK",
		"payload_encoding":      "base64",
		"file_metadata":         map[string]interface{}{"filename": "cert.pdf", "content_type": "application/pdf"},
	}

	adm, f := g.Validate(decode(t, upload), models.DataModeLive)
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if string(adm.Payload) != "%PDF-1.4\n" {
		t.Errorf("expected decoded PDF header, got %q", adm.Payload)
	}

	expectFailure(t, g, with(upload, map[string]interface{}{"payload_bytes": ""}),
		models.DataModeLive, errcode.MissingPayload, "payload_bytes")
	expectFailure(t, g, with(upload, map[string]interface{}{"payload_bytes": "!!not base64!!"}),
		models.DataModeLive, errcode.InvalidPayload, "payload_bytes")
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"file_metadata": map[string]string{"name": "bom.xlsx"}}),
		models.DataModeLive, errcode.FileAttachmentNotAllowed, "file_metadata")
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"payload_bytes": "{not json"}),
		models.DataModeLive, errcode.InvalidPayload, "payload_bytes")

	small := NewGate(clock.NewFixed(testNow), WithMaxPayloadBytes(4))
	expectFailure(t, small, upload, models.DataModeLive, errcode.PayloadTooLarge, "payload_bytes")
}

func TestValidate_GDPR(t *testing.T) {
	g := newTestGate()
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"contains_personal_data": true}),
		models.DataModeLive, errcode.MissingGDPRLegalBasis, "gdpr_legal_basis")

	fields := with(apiPush(), map[string]interface{}{
		"contains_personal_data": true,
		"gdpr_legal_basis":       "legitimate_interest",
	})
	if _, f := g.Validate(decode(t, fields), models.DataModeLive); f != nil {
		t.Errorf("unexpected failure: %v", f)
	}
}

func TestValidate_ClientHashes(t *testing.T) {
	g := newTestGate()
	for _, field := range HashFields {
		t.Run(field, func(t *testing.T) {
			fields := with(apiPush(), map[string]interface{}{field: hasher.Hash([]byte("x"))})
			f := expectFailure(t, g, fields, models.DataModeLive, errcode.ClientHashRejected, field)
			if errcode.HTTPStatus(f.Code) != 422 {
				t.Errorf("expected 422, got %d", errcode.HTTPStatus(f.Code))
			}
		})
	}
}

func TestValidate_Retention(t *testing.T) {
	g := newTestGate()
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"retention_policy": "FOREVER"}),
		models.DataModeLive, errcode.InvalidRetentionPolicy, "retention_policy")
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"retention_policy": "CUSTOM"}),
		models.DataModeLive, errcode.InvalidRetentionPolicy, "retention_custom_days")
	expectFailure(t, g, with(apiPush(), map[string]interface{}{"retention_policy": "CUSTOM", "retention_custom_days": 36501}),
		models.DataModeLive, errcode.InvalidRetentionPolicy, "retention_custom_days")
}

func TestValidate_IdempotencyRef(t *testing.T) {
	g := newTestGate()

	adm, f := g.Validate(decode(t, apiPush()), models.DataModeLive)
	if f != nil {
		t.Fatal(f)
	}
	if adm.IdempotencyRef != "bom-42" {
		t.Errorf("expected bom-42, got %q", adm.IdempotencyRef)
	}

	adm, f = g.Validate(decode(t, manualEntry()), models.DataModeLive)
	if f != nil {
		t.Fatal(f)
	}
	if adm.IdempotencyRef != "" {
		t.Errorf("manual entries are not replay-keyed, got %q", adm.IdempotencyRef)
	}
}

func TestValidate_NeverPanics(t *testing.T) {
	g := newTestGate()
	bodies := []string{
		`{}`,
		`{"request_id":"r"}`,
		`{"request_id":"r","ingestion_method":"MANUAL_ENTRY"}`,
		`{"request_id":"r","ingestion_method":"MANUAL_ENTRY","dataset_type":"SUPPLIER_MASTER"}`,
		`{"request_id":"r","ingestion_method":"ERP_EXPORT","dataset_type":"BOM","declared_scope":"UNKNOWN"}`,
		`{"request_id":"r","ingestion_method":"API_PUSH","dataset_type":"BOM","payload_bytes":{"a":1}}`,
		`{"request_id":"r","payload_bytes":null,"attestor_user_id":null}`,
	}

	for _, body := range bodies {
		req, err := DecodeRequest(strings.NewReader(body))
		if err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
		for _, mode := range []models.DataMode{models.DataModeLive, models.DataModeDemo, models.DataModeTestFixture} {
			adm, f := g.Validate(req, mode)
			if (adm == nil) == (f == nil) {
				t.Errorf("%s/%s: expected exactly one result, got %v and %v", body, mode, adm, f)
			}
		}
	}
}

func TestDecodeRequest_Malformed(t *testing.T) {
	for _, body := range []string{``, `{`, `[]`, `{"purpose_tags":"a"}`, `{"a":1} {"b":2}`} {
		if _, err := DecodeRequest(strings.NewReader(body)); err == nil {
			t.Errorf("expected error for %q", body)
		}
	}
}

func TestRequest_PayloadVerbatimJSON(t *testing.T) {
	req := decode(t, with(apiPush(), map[string]interface{}{"payload_bytes": map[string]int{"qty": 2}}))
	payload, err := req.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"qty":2}` {
		t.Errorf("expected verbatim JSON, got %s", payload)
	}
}

func TestMetadataFor_IgnoresRequestIDAndOrder(t *testing.T) {
	g := newTestGate()

	a := decode(t, apiPush())
	b := decode(t, with(apiPush(), map[string]interface{}{"request_id": "retry-1", "test_mode": true}))

	admA, f := g.Validate(a, models.DataModeDemo)
	if f != nil {
		t.Fatal(f)
	}
	admB, f := g.Validate(b, models.DataModeDemo)
	if f != nil {
		t.Fatal(f)
	}

	_, hashA, err := hasher.CanonicalHash(MetadataFor("t1", a, admA))
	if err != nil {
		t.Fatal(err)
	}
	_, hashB, err := hasher.CanonicalHash(MetadataFor("t1", b, admB))
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Error("request_id and test flags must not affect the metadata hash")
	}

	_, hashOther, _ := hasher.CanonicalHash(MetadataFor("t2", a, admA))
	if hashOther == hashA {
		t.Error("tenant must be part of the metadata hash")
	}
}
