package lifecycle

import (
	"strings"

	"github.com/complyledger/evidence/internal/auth"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/models"
)

type Action string

const (
	ActionClassify     Action = "classify"
	ActionStructure    Action = "structure"
	ActionSeal         Action = "seal"
	ActionReject       Action = "reject"
	ActionResolveScope Action = "resolve_scope"
)

const (
	ExtractionManual       = "manual"
	ExtractionAISuggestion = "ai_suggestion"
)

// Command is a request to move a record through its lifecycle.
type Command struct {
	CommandID string `json:"command_id"`
	Action    Action `json:"action"`
	ActorRole string `json:"actor_role"`

	EvidenceType      string   `json:"evidence_type,omitempty"`
	ClaimedScope      string   `json:"claimed_scope,omitempty"`
	ClaimedFrameworks []string `json:"claimed_frameworks,omitempty"`

	SchemaVersion    string                 `json:"schema_version,omitempty"`
	ExtractionSource string                 `json:"extraction_source,omitempty"`
	ApproverID       string                 `json:"approver_id,omitempty"`
	Fields           map[string]interface{} `json:"fields,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`

	DeclaredScope models.Scope `json:"declared_scope,omitempty"`
	ScopeTargetID string       `json:"scope_target_id,omitempty"`
}

var (
	reviewRoles = []auth.Role{auth.RoleAdmin, auth.RoleLegal, auth.RoleCompliance, auth.RoleProcurement, auth.RoleAuditor}
	finalRoles  = []auth.Role{auth.RoleAdmin, auth.RoleLegal, auth.RoleCompliance, auth.RoleAuditor}
)

// PermittedRoles lists the roles that may issue action.
func PermittedRoles(action Action) []auth.Role {
	switch action {
	case ActionClassify, ActionStructure, ActionResolveScope:
		return reviewRoles
	case ActionSeal, ActionReject:
		return finalRoles
	}
	return nil
}

func rolePermitted(action Action, role string) bool {
	for _, r := range PermittedRoles(action) {
		if string(r) == role {
			return true
		}
	}
	return false
}

func checkShape(cmd *Command) *errcode.Failure {
	if strings.TrimSpace(cmd.CommandID) == "" {
		return errcode.New(errcode.InvalidCommand, "command_id is required").OnField("command_id")
	}
	if PermittedRoles(cmd.Action) == nil {
		return errcode.Newf(errcode.InvalidCommand, "unknown action %q", cmd.Action).OnField("action")
	}
	if strings.TrimSpace(cmd.ActorRole) == "" {
		return errcode.New(errcode.InvalidCommand, "actor_role is required").OnField("actor_role")
	}
	return nil
}

// checkTransition enforces forward-only movement from the current state.
func checkTransition(action Action, ev *models.Evidence) *errcode.Failure {
	from := ev.LifecycleState
	if from.Terminal() {
		return errcode.Newf(errcode.TransitionBlocked, "%s is final; %s is not possible", from, action).
			With("current_state", from)
	}

	var want models.LifecycleState
	switch action {
	case ActionClassify:
		want = models.StateRaw
	case ActionStructure:
		want = models.StateClassified
	case ActionSeal:
		want = models.StateStructured
	case ActionReject:
		return nil
	case ActionResolveScope:
		if !ev.Quarantined {
			return errcode.New(errcode.TransitionBlocked, "record is not quarantined").
				With("current_state", from)
		}
		return nil
	}
	if from != want {
		return errcode.Newf(errcode.TransitionBlocked, "%s requires state %s, record is %s", action, want, from).
			With("current_state", from).
			With("required_state", want)
	}
	return nil
}

// checkPayload applies the per-action field rules.
func checkPayload(cmd *Command, ev *models.Evidence) *errcode.Failure {
	switch cmd.Action {
	case ActionClassify:
		if strings.TrimSpace(cmd.EvidenceType) == "" {
			return errcode.New(errcode.InvalidCommand, "evidence_type is required to classify").OnField("evidence_type")
		}
	case ActionStructure:
		if strings.TrimSpace(cmd.SchemaVersion) == "" {
			return errcode.New(errcode.InvalidCommand, "schema_version is required to structure").OnField("schema_version")
		}
		switch cmd.ExtractionSource {
		case "", ExtractionManual, ExtractionAISuggestion:
		default:
			return errcode.Newf(errcode.InvalidCommand, "unknown extraction_source %q", cmd.ExtractionSource).
				OnField("extraction_source")
		}
		if strings.TrimSpace(cmd.ApproverID) == "" {
			return errcode.New(errcode.ApproverRequired, "structured data needs a human approver_id").OnField("approver_id")
		}
	case ActionSeal:
		if ev.Quarantined {
			return errcode.New(errcode.QuarantineUnresolved, "resolve the quarantined scope before sealing").
				OnField("declared_scope")
		}
	case ActionReject:
		if strings.TrimSpace(cmd.RejectionReason) == "" {
			return errcode.New(errcode.RejectionReasonRequired, "rejection_reason is required").OnField("rejection_reason")
		}
	case ActionResolveScope:
		scope := models.Scope(strings.TrimSpace(string(cmd.DeclaredScope)))
		target := strings.TrimSpace(cmd.ScopeTargetID)
		if !scope.Valid() || scope == models.ScopeUnknown {
			return errcode.New(errcode.InvalidCommand, "declared_scope must name a known scope").OnField("declared_scope")
		}
		if scope.RequiresTarget() && target == "" {
			return errcode.Newf(errcode.MissingScopeTarget, "scope_target_id is required for scope %s", scope).
				OnField("scope_target_id")
		}
		if !scope.RequiresTarget() && target != "" {
			return errcode.New(errcode.ScopeTargetNotAllowed, "scope_target_id must be empty for ENTIRE_ORGANIZATION").
				OnField("scope_target_id")
		}
	}
	return nil
}
