// Package errcode defines the closed set of outcome codes returned by the
// evidence engine and their mapping onto HTTP status codes.
package errcode

import (
	"fmt"
	"net/http"
)

type Code string

const (
	Unauthenticated  Code = "UNAUTHENTICATED"
	MalformedBody    Code = "MALFORMED_BODY"
	MethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	TenantNotFound   Code = "TENANT_NOT_FOUND"

	FixtureInLive            Code = "FIXTURE_IN_LIVE"
	TestModeBlockedInLive    Code = "TEST_MODE_BLOCKED_IN_LIVE"
	AttestationForgery       Code = "ATTESTATION_FORGERY"
	ClientHashRejected       Code = "CLIENT_HASH_REJECTED"
	ClientPayloadNotAllowed  Code = "CLIENT_PAYLOAD_NOT_ALLOWED"
	FileAttachmentNotAllowed Code = "FILE_ATTACHMENT_NOT_ALLOWED"

	UnknownIngestionMethod    Code = "UNKNOWN_INGESTION_METHOD"
	InvalidDatasetType        Code = "INVALID_DATASET_TYPE"
	InvalidDeclaredScope      Code = "INVALID_DECLARED_SCOPE"
	InvalidOrigin             Code = "INVALID_ORIGIN"
	MethodDatasetIncompatible Code = "METHOD_DATASET_INCOMPATIBLE"
	DatasetScopeIncompatible  Code = "DATASET_SCOPE_INCOMPATIBLE"
	MissingRequiredField      Code = "MISSING_REQUIRED_FIELD"
	InvalidSourceForMethod    Code = "INVALID_SOURCE_FOR_METHOD"
	InvalidSourceSystem       Code = "INVALID_SOURCE_SYSTEM"
	MissingScopeTarget        Code = "MISSING_SCOPE_TARGET"
	ScopeTargetNotAllowed     Code = "SCOPE_TARGET_NOT_ALLOWED"
	MissingUnlinkedReason     Code = "MISSING_UNLINKED_REASON"
	InvalidUnlinkedReason     Code = "INVALID_UNLINKED_REASON"
	MissingResolutionDate     Code = "MISSING_RESOLUTION_DATE"
	InvalidResolutionDate     Code = "INVALID_RESOLUTION_DATE"
	InvalidAttestationNotes   Code = "INVALID_ATTESTATION_NOTES"
	InvalidPayload            Code = "INVALID_PAYLOAD"
	MissingGDPRLegalBasis     Code = "MISSING_GDPR_LEGAL_BASIS"
	MissingPayload            Code = "MISSING_PAYLOAD"
	PayloadTooLarge           Code = "PAYLOAD_TOO_LARGE"
	InvalidRetentionPolicy    Code = "INVALID_RETENTION_POLICY"

	IdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	ERPFetchTimeout     Code = "ERP_FETCH_TIMEOUT"
	ERPFetchFailed      Code = "ERP_FETCH_FAILED"
	StoreUnavailable    Code = "STORE_UNAVAILABLE"

	EvidenceNotFound        Code = "EVIDENCE_NOT_FOUND"
	InvalidCommand          Code = "INVALID_COMMAND"
	RoleMismatch            Code = "ROLE_MISMATCH"
	RoleNotPermitted        Code = "ROLE_NOT_PERMITTED"
	TransitionBlocked       Code = "TRANSITION_BLOCKED"
	CommandIDConflict       Code = "COMMAND_ID_CONFLICT"
	ApproverRequired        Code = "APPROVER_REQUIRED"
	RejectionReasonRequired Code = "REJECTION_REASON_REQUIRED"
	QuarantineUnresolved    Code = "QUARANTINE_UNRESOLVED"
	ConcurrentModification  Code = "CONCURRENT_MODIFICATION"

	JobNotFound Code = "JOB_NOT_FOUND"

	InternalError Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to the status returned at the HTTP boundary.
// Codes missing from the switch are a programming error and surface as 500.
func HTTPStatus(c Code) int {
	switch c {
	case Unauthenticated:
		return http.StatusUnauthorized
	case MalformedBody:
		return http.StatusBadRequest
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case TenantNotFound,
		FixtureInLive, TestModeBlockedInLive, AttestationForgery,
		RoleMismatch, RoleNotPermitted:
		return http.StatusForbidden
	case ClientHashRejected, ClientPayloadNotAllowed, FileAttachmentNotAllowed,
		UnknownIngestionMethod, InvalidDatasetType, InvalidDeclaredScope, InvalidOrigin,
		MethodDatasetIncompatible, DatasetScopeIncompatible, MissingRequiredField,
		InvalidSourceForMethod, InvalidSourceSystem, MissingScopeTarget, ScopeTargetNotAllowed,
		MissingUnlinkedReason, InvalidUnlinkedReason, MissingResolutionDate, InvalidResolutionDate,
		InvalidAttestationNotes, InvalidPayload, MissingGDPRLegalBasis, MissingPayload,
		PayloadTooLarge, InvalidRetentionPolicy,
		InvalidCommand, ApproverRequired, RejectionReasonRequired:
		return http.StatusUnprocessableEntity
	case IdempotencyConflict, TransitionBlocked, CommandIDConflict,
		QuarantineUnresolved, ConcurrentModification:
		return http.StatusConflict
	case EvidenceNotFound, JobNotFound:
		return http.StatusNotFound
	case ERPFetchTimeout:
		return http.StatusGatewayTimeout
	case ERPFetchFailed:
		return http.StatusBadGateway
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	case InternalError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may retry the identical request.
func Retryable(c Code) bool {
	switch c {
	case ERPFetchTimeout, ERPFetchFailed, StoreUnavailable, ConcurrentModification:
		return true
	}
	return false
}

// IsSecurity reports whether the code indicates tampering or a live-data
// violation that must leave an audit trail even though nothing was created.
func IsSecurity(c Code) bool {
	switch c {
	case FixtureInLive, TestModeBlockedInLive, AttestationForgery,
		ClientHashRejected, ClientPayloadNotAllowed, FileAttachmentNotAllowed:
		return true
	}
	return false
}

// Failure is a typed rejection. It is returned, never panicked.
type Failure struct {
	Code    Code
	Message string
	Field   string
	Details map[string]interface{}
}

func New(code Code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OnField attaches the offending request field.
func (f *Failure) OnField(field string) *Failure {
	f.Field = field
	return f
}

// With attaches an extra detail surfaced alongside the envelope.
func (f *Failure) With(key string, value interface{}) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]interface{})
	}
	f.Details[key] = value
	return f
}

func (f *Failure) Error() string {
	if f.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", f.Code, f.Message, f.Field)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Status() int {
	return HTTPStatus(f.Code)
}
