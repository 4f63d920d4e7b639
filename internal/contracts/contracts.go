// Package contracts is the static registry of ingestion method contracts:
// which fields each channel must carry, which source systems it may claim,
// how its payload arrives and which features it forbids.
package contracts

import (
	"fmt"

	"github.com/complyledger/evidence/internal/models"
)

// PayloadMode describes how a method delivers its payload.
type PayloadMode int

const (
	// PayloadFile is an opaque byte upload.
	PayloadFile PayloadMode = iota
	// PayloadJSON is any JSON document.
	PayloadJSON
	// PayloadJSONObject is a JSON object, never an array or scalar.
	PayloadJSONObject
	// PayloadDeferred means the server fetches the payload; clients send none.
	PayloadDeferred
)

func (m PayloadMode) String() string {
	switch m {
	case PayloadFile:
		return "file"
	case PayloadJSON:
		return "json"
	case PayloadJSONObject:
		return "json_object"
	case PayloadDeferred:
		return "deferred"
	}
	return fmt.Sprintf("PayloadMode(%d)", int(m))
}

// Contract is the admission contract for one ingestion method.
type Contract struct {
	Method         models.IngestionMethod
	RequiredFields []string
	ForcedSource   models.SourceSystem
	AllowedSources []models.SourceSystem
	Payload        PayloadMode
	FilesAllowed   bool
	// IdempotencyField names the request field that keys replay detection.
	// Empty means the method is not replay-protected.
	IdempotencyField  string
	Trust             models.TrustLevel
	ServerAttestation bool
}

// AllowsSource reports whether s is acceptable for the contract. Forced
// sources are handled by the caller before this check.
func (c Contract) AllowsSource(s models.SourceSystem) bool {
	if len(c.AllowedSources) == 0 {
		return true
	}
	for _, allowed := range c.AllowedSources {
		if allowed == s {
			return true
		}
	}
	return false
}

// CommonRequiredFields apply to every method, ahead of the method's own list.
var CommonRequiredFields = []string{
	"dataset_type",
	"declared_scope",
	"primary_intent",
	"purpose_tags",
	"retention_policy",
}

type methodIndex int

const (
	idxFileUpload methodIndex = iota
	idxAPIPush
	idxERPExport
	idxERPAPI
	idxSupplierPortal
	idxManualEntry
	methodCount
)

var methodIndexes = map[models.IngestionMethod]methodIndex{
	models.MethodFileUpload:     idxFileUpload,
	models.MethodAPIPush:        idxAPIPush,
	models.MethodERPExport:      idxERPExport,
	models.MethodERPAPI:         idxERPAPI,
	models.MethodSupplierPortal: idxSupplierPortal,
	models.MethodManualEntry:    idxManualEntry,
}

var erpSources = []models.SourceSystem{
	models.SourceSAP,
	models.SourceOracle,
	models.SourceMicrosoftDynamics,
	models.SourceNetSuite,
	models.SourceInfor,
}

var registry = [methodCount]Contract{
	idxFileUpload: {
		Method:         models.MethodFileUpload,
		RequiredFields: []string{"source_system"},
		Payload:        PayloadFile,
		FilesAllowed:   true,
		Trust:          models.TrustMedium,
	},
	idxAPIPush: {
		Method:           models.MethodAPIPush,
		RequiredFields:   []string{"source_system", "external_reference_id"},
		Payload:          PayloadJSON,
		IdempotencyField: "external_reference_id",
		Trust:            models.TrustMedium,
	},
	idxERPExport: {
		Method:           models.MethodERPExport,
		RequiredFields:   []string{"source_system", "export_job_id", "snapshot_datetime_utc"},
		AllowedSources:   erpSources,
		Payload:          PayloadFile,
		FilesAllowed:     true,
		IdempotencyField: "export_job_id",
		Trust:            models.TrustMedium,
	},
	idxERPAPI: {
		Method:         models.MethodERPAPI,
		RequiredFields: []string{"source_system", "connector_reference", "snapshot_datetime_utc"},
		AllowedSources: erpSources,
		Payload:        PayloadDeferred,
		Trust:          models.TrustHigh,
	},
	idxSupplierPortal: {
		Method:         models.MethodSupplierPortal,
		RequiredFields: []string{"supplier_portal_request_id"},
		ForcedSource:   models.SourceSupplierPortal,
		Payload:        PayloadFile,
		FilesAllowed:   true,
		Trust:          models.TrustHigh,
	},
	idxManualEntry: {
		Method:            models.MethodManualEntry,
		RequiredFields:    []string{"entry_notes"},
		ForcedSource:      models.SourceInternalManual,
		Payload:           PayloadJSONObject,
		Trust:             models.TrustLow,
		ServerAttestation: true,
	},
}

func init() {
	for method, idx := range methodIndexes {
		if registry[idx].Method != method {
			panic(fmt.Sprintf("contracts: registry slot %d holds %q, want %q", idx, registry[idx].Method, method))
		}
	}
	if len(methodIndexes) != int(methodCount) {
		panic("contracts: method index table is incomplete")
	}
}

// Lookup returns the contract for a method.
func Lookup(method models.IngestionMethod) (Contract, bool) {
	idx, ok := methodIndexes[method]
	if !ok {
		return Contract{}, false
	}
	return registry[idx], true
}

// Methods lists every registered method in registry order.
func Methods() []models.IngestionMethod {
	out := make([]models.IngestionMethod, 0, methodCount)
	for _, c := range registry {
		out = append(out, c.Method)
	}
	return out
}

// datasetMethods lists the admissible methods per dataset, most preferred first.
var datasetMethods = map[models.DatasetType][]models.IngestionMethod{
	models.DatasetSupplierMaster: {
		models.MethodSupplierPortal, models.MethodERPAPI, models.MethodERPExport,
		models.MethodAPIPush, models.MethodFileUpload, models.MethodManualEntry,
	},
	models.DatasetProductMaster: {
		models.MethodERPAPI, models.MethodERPExport, models.MethodAPIPush,
		models.MethodFileUpload, models.MethodManualEntry,
	},
	models.DatasetBOM: {
		models.MethodERPAPI, models.MethodERPExport, models.MethodAPIPush, models.MethodFileUpload,
	},
	models.DatasetCertificate: {
		models.MethodSupplierPortal, models.MethodFileUpload, models.MethodAPIPush,
	},
	models.DatasetTestReport: {
		models.MethodFileUpload, models.MethodSupplierPortal, models.MethodAPIPush,
	},
	models.DatasetTransactionLog: {
		models.MethodERPAPI, models.MethodERPExport, models.MethodAPIPush,
	},
}

// AllowedMethods returns a copy of the allow-list for a dataset.
func AllowedMethods(dataset models.DatasetType) []models.IngestionMethod {
	methods := datasetMethods[dataset]
	out := make([]models.IngestionMethod, len(methods))
	copy(out, methods)
	return out
}

// MethodAllowed reports whether method may carry dataset.
func MethodAllowed(dataset models.DatasetType, method models.IngestionMethod) bool {
	for _, m := range datasetMethods[dataset] {
		if m == method {
			return true
		}
	}
	return false
}

// RecommendedMethod is the first entry of the dataset's allow-list.
func RecommendedMethod(dataset models.DatasetType) (models.IngestionMethod, bool) {
	methods := datasetMethods[dataset]
	if len(methods) == 0 {
		return "", false
	}
	return methods[0], true
}

// manualScopes restricts which scopes a manual entry may declare per dataset.
var manualScopes = map[models.DatasetType][]models.Scope{
	models.DatasetSupplierMaster: {
		models.ScopeEntireOrganization, models.ScopeLegalEntity, models.ScopeSite, models.ScopeUnknown,
	},
	models.DatasetProductMaster: {
		models.ScopeEntireOrganization, models.ScopeLegalEntity, models.ScopeProductFamily, models.ScopeUnknown,
	},
}

// ManualScopeAllowed reports whether a MANUAL_ENTRY for dataset may declare scope.
func ManualScopeAllowed(dataset models.DatasetType, scope models.Scope) bool {
	for _, s := range manualScopes[dataset] {
		if s == scope {
			return true
		}
	}
	return false
}

// ManualScopes returns the scopes a manual entry may declare for dataset.
func ManualScopes(dataset models.DatasetType) []models.Scope {
	scopes := manualScopes[dataset]
	out := make([]models.Scope, len(scopes))
	copy(out, scopes)
	return out
}

// ReviewStatus is the review state a freshly admitted record starts in.
func ReviewStatus(method models.IngestionMethod, quarantined bool) models.ReviewStatus {
	if method == models.MethodManualEntry || quarantined {
		return models.ReviewPending
	}
	return models.ReviewNotReviewed
}
