package contracts

import (
	"testing"

	"github.com/complyledger/evidence/internal/models"
)

func TestLookup_EveryMethodRegistered(t *testing.T) {
	methods := []models.IngestionMethod{
		models.MethodFileUpload,
		models.MethodAPIPush,
		models.MethodERPExport,
		models.MethodERPAPI,
		models.MethodSupplierPortal,
		models.MethodManualEntry,
	}

	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			c, ok := Lookup(m)
			if !ok {
				t.Fatalf("no contract for %s", m)
			}
			if c.Method != m {
				t.Errorf("expected contract for %s, got %s", m, c.Method)
			}
		})
	}

	if _, ok := Lookup("FAX"); ok {
		t.Error("expected unknown method to be absent")
	}
	if len(Methods()) != len(methods) {
		t.Errorf("expected %d methods, got %d", len(methods), len(Methods()))
	}
}

func TestTrustLevels(t *testing.T) {
	tests := []struct {
		method models.IngestionMethod
		trust  models.TrustLevel
	}{
		{models.MethodManualEntry, models.TrustLow},
		{models.MethodERPAPI, models.TrustHigh},
		{models.MethodSupplierPortal, models.TrustHigh},
		{models.MethodAPIPush, models.TrustMedium},
		{models.MethodERPExport, models.TrustMedium},
		{models.MethodFileUpload, models.TrustMedium},
	}

	for _, tt := range tests {
		c, _ := Lookup(tt.method)
		if c.Trust != tt.trust {
			t.Errorf("%s: expected trust %s, got %s", tt.method, tt.trust, c.Trust)
		}
	}
}

func TestForcedAndAllowedSources(t *testing.T) {
	manual, _ := Lookup(models.MethodManualEntry)
	if manual.ForcedSource != models.SourceInternalManual {
		t.Errorf("expected MANUAL_ENTRY forced to INTERNAL_MANUAL, got %s", manual.ForcedSource)
	}

	portal, _ := Lookup(models.MethodSupplierPortal)
	if portal.ForcedSource != models.SourceSupplierPortal {
		t.Errorf("expected SUPPLIER_PORTAL forced to SUPPLIER_PORTAL, got %s", portal.ForcedSource)
	}

	erp, _ := Lookup(models.MethodERPAPI)
	if !erp.AllowsSource(models.SourceSAP) {
		t.Error("expected ERP_API to allow SAP")
	}
	if erp.AllowsSource(models.SourceOther) {
		t.Error("expected ERP_API to reject OTHER")
	}

	push, _ := Lookup(models.MethodAPIPush)
	if !push.AllowsSource(models.SourceOther) {
		t.Error("expected API_PUSH to accept any global source")
	}
}

func TestMethodAllowed(t *testing.T) {
	tests := []struct {
		dataset models.DatasetType
		method  models.IngestionMethod
		allowed bool
	}{
		{models.DatasetSupplierMaster, models.MethodManualEntry, true},
		{models.DatasetBOM, models.MethodManualEntry, false},
		{models.DatasetCertificate, models.MethodERPAPI, false},
		{models.DatasetTransactionLog, models.MethodFileUpload, false},
		{models.DatasetTestReport, models.MethodFileUpload, true},
	}

	for _, tt := range tests {
		if got := MethodAllowed(tt.dataset, tt.method); got != tt.allowed {
			t.Errorf("MethodAllowed(%s, %s) = %v, want %v", tt.dataset, tt.method, got, tt.allowed)
		}
	}
}

func TestRecommendedMethod(t *testing.T) {
	tests := []struct {
		dataset models.DatasetType
		want    models.IngestionMethod
	}{
		{models.DatasetSupplierMaster, models.MethodSupplierPortal},
		{models.DatasetProductMaster, models.MethodERPAPI},
		{models.DatasetCertificate, models.MethodSupplierPortal},
		{models.DatasetTestReport, models.MethodFileUpload},
	}

	for _, tt := range tests {
		got, ok := RecommendedMethod(tt.dataset)
		if !ok || got != tt.want {
			t.Errorf("RecommendedMethod(%s) = %s, want %s", tt.dataset, got, tt.want)
		}
		if AllowedMethods(tt.dataset)[0] != got {
			t.Errorf("%s: recommendation must be the first allowed method", tt.dataset)
		}
	}
}

func TestAllowedMethods_ReturnsCopy(t *testing.T) {
	methods := AllowedMethods(models.DatasetBOM)
	methods[0] = models.MethodManualEntry
	if MethodAllowed(models.DatasetBOM, models.MethodManualEntry) {
		t.Error("mutating the returned slice must not change the registry")
	}
}

func TestManualScopeAllowed(t *testing.T) {
	if !ManualScopeAllowed(models.DatasetSupplierMaster, models.ScopeSite) {
		t.Error("expected SITE for supplier master")
	}
	if ManualScopeAllowed(models.DatasetSupplierMaster, models.ScopeProductFamily) {
		t.Error("expected PRODUCT_FAMILY rejected for supplier master")
	}
	if !ManualScopeAllowed(models.DatasetProductMaster, models.ScopeProductFamily) {
		t.Error("expected PRODUCT_FAMILY for product master")
	}
	if ManualScopeAllowed(models.DatasetBOM, models.ScopeEntireOrganization) {
		t.Error("expected no manual scopes for BOM")
	}
}

func TestReviewStatus(t *testing.T) {
	if ReviewStatus(models.MethodManualEntry, false) != models.ReviewPending {
		t.Error("manual entries start pending review")
	}
	if ReviewStatus(models.MethodAPIPush, true) != models.ReviewPending {
		t.Error("quarantined records start pending review")
	}
	if ReviewStatus(models.MethodAPIPush, false) != models.ReviewNotReviewed {
		t.Error("other records start not reviewed")
	}
}
