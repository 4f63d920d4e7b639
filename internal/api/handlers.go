package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/audit"
	"github.com/complyledger/evidence/internal/auth"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/hasher"
	"github.com/complyledger/evidence/internal/lifecycle"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/reports"
	"github.com/complyledger/evidence/internal/scheduler"
	"github.com/complyledger/evidence/internal/validation"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, errcode.New(errcode.MalformedBody, "request body is not valid JSON"), reqID)
		return
	}

	tokens, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondFailure(w, errcode.New(errcode.Unauthenticated, "invalid email or password"), reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens, "request_id": reqID})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, errcode.New(errcode.MalformedBody, "request body is not valid JSON"), reqID)
		return
	}

	tokens, err := s.deps.Auth.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondFailure(w, errcode.New(errcode.Unauthenticated, "invalid refresh token"), reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens, "request_id": reqID})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	claims, _ := auth.GetUserFromContext(r.Context())

	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	if req.RefreshToken == "" {
		err = s.deps.Auth.LogoutAll(r.Context(), claims.UserID)
	} else {
		err = s.deps.Auth.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}
	if err != nil {
		s.logger.Error("logout failed", "user_id", claims.UserID, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "could not revoke tokens"), reqID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"request_id": reqID})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]interface{}{
			"id":        claims.UserID,
			"email":     claims.Email,
			"role":      claims.Role,
			"tenant_id": claims.TenantID,
		},
		"request_id": middleware.GetReqID(r.Context()),
	})
}

// actorFrom returns the authenticated caller. The auth middleware guarantees
// claims on every route that calls it.
func actorFrom(r *http.Request) models.Actor {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		return models.Actor{}
	}
	return claims.Actor()
}

// requestIDOr prefers the caller's request_id and falls back to the id
// assigned by the request id middleware.
func requestIDOr(r *http.Request, supplied string) string {
	if id := strings.TrimSpace(supplied); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

type ingestResponse struct {
	EvidenceID         uuid.UUID           `json:"evidence_id"`
	RequestID          string              `json:"request_id"`
	LedgerState        models.LedgerState  `json:"ledger_state"`
	TrustLevel         models.TrustLevel   `json:"trust_level"`
	ReviewStatus       models.ReviewStatus `json:"review_status"`
	Quarantined        bool                `json:"quarantined"`
	QuarantineReason   *string             `json:"quarantine_reason"`
	ResolutionDueDate  *string             `json:"resolution_due_date,omitempty"`
	PayloadHashSHA256  string              `json:"payload_hash_sha256"`
	MetadataHashSHA256 string              `json:"metadata_hash_sha256"`
	RetentionEndsAt    time.Time           `json:"retention_ends_at_utc"`
	CreatedAt          time.Time           `json:"created_at"`
	IsReplay           bool                `json:"is_replay,omitempty"`
	OriginalCreatedAt  *time.Time          `json:"original_created_at,omitempty"`
}

func (r ingestResponse) envelope() map[string]interface{} {
	raw, _ := json.Marshal(r)
	body := map[string]interface{}{}
	_ = json.Unmarshal(raw, &body)
	return body
}

func newIngestResponse(ev *models.Evidence, requestID string, replayed bool) ingestResponse {
	resp := ingestResponse{
		EvidenceID:         ev.ID,
		RequestID:          requestID,
		LedgerState:        ev.LedgerState,
		TrustLevel:         ev.TrustLevel,
		ReviewStatus:       ev.ReviewStatus,
		Quarantined:        ev.Quarantined,
		PayloadHashSHA256:  ev.PayloadHashSHA256,
		MetadataHashSHA256: ev.MetadataHashSHA256,
		RetentionEndsAt:    ev.RetentionEndsAt,
		CreatedAt:          ev.CreatedAt,
	}
	if ev.QuarantineReason != "" {
		reason := ev.QuarantineReason
		resp.QuarantineReason = &reason
	}
	if ev.ResolutionDueDate != nil {
		due := ev.ResolutionDueDate.UTC().Format("2006-01-02")
		resp.ResolutionDueDate = &due
	}
	if replayed {
		created := ev.CreatedAt
		resp.IsReplay = true
		resp.OriginalCreatedAt = &created
	}
	return resp
}

// ingestBodyLimit bounds the raw ingest body: twice the payload limit, so an
// escaped or base64 payload at the limit still reaches the gate, plus 1 MiB
// of metadata.
func (s *Server) ingestBodyLimit() int64 {
	limit := s.cfg.Ingestion.MaxPayloadBytes
	if limit <= 0 {
		limit = validation.DefaultMaxPayloadBytes
	}
	return int64(limit)*2 + 1<<20
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	limit := s.ingestBodyLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	req, err := validation.DecodeRequest(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondFailure(w, errcode.Newf(errcode.PayloadTooLarge, "request body exceeds %d bytes", limit).
				OnField("payload_bytes"), middleware.GetReqID(r.Context()))
			return
		}
		respondFailure(w, errcode.New(errcode.MalformedBody, "request body must be a single JSON object"),
			middleware.GetReqID(r.Context()))
		return
	}
	reqID := requestIDOr(r, req.RequestID)

	res, f := s.deps.Ingestion.Ingest(r.Context(), actorFrom(r), req)
	if f != nil {
		respondFailure(w, f, reqID)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, newIngestResponse(res.Evidence, reqID, res.Replayed).envelope())
}

// loadEvidence resolves {evidenceID} within the caller's tenant and writes
// the failure envelope itself when it cannot.
func (s *Server) loadEvidence(w http.ResponseWriter, r *http.Request) (*models.Evidence, bool) {
	reqID := middleware.GetReqID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "evidenceID"))
	if err != nil {
		respondFailure(w, errcode.New(errcode.EvidenceNotFound, "evidence not found"), reqID)
		return nil, false
	}

	ev, err := s.deps.Store.GetEvidence(r.Context(), actorFrom(r).TenantID, id)
	if err != nil {
		s.logger.Error("loading evidence", "evidence_id", id, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "evidence store unavailable"), reqID)
		return nil, false
	}
	if ev == nil {
		respondFailure(w, errcode.New(errcode.EvidenceNotFound, "evidence not found"), reqID)
		return nil, false
	}
	return ev, true
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence":   ev,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Store.ListLifecycleEvents(r.Context(), ev.TenantID, ev.ID)
	if err != nil {
		s.logger.Error("listing lifecycle events", "evidence_id", ev.ID, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "evidence store unavailable"), middleware.GetReqID(r.Context()))
		return
	}

	if r.URL.Query().Get("format") == string(reports.FormatCSV) {
		report, err := s.deps.Reports.EventLogCSV(ev, events)
		if err != nil {
			respondFailure(w, errcode.Newf(errcode.InternalError, "rendering event log: %v", err), middleware.GetReqID(r.Context()))
			return
		}
		writeReport(w, report)
		return
	}

	if events == nil {
		events = []models.LifecycleEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence_id": ev.ID,
		"events":      events,
		"request_id":  middleware.GetReqID(r.Context()),
	})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Store.ListAuditEvents(r.Context(), ev.TenantID, ev.ID)
	if err != nil {
		s.logger.Error("listing audit events", "evidence_id", ev.ID, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "evidence store unavailable"), middleware.GetReqID(r.Context()))
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence_id":  ev.ID,
		"audit_events": events,
		"request_id":   middleware.GetReqID(r.Context()),
	})
}

type commandRequest struct {
	RequestID string `json:"request_id"`
	lifecycle.Command
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, errcode.New(errcode.MalformedBody, "request body must be a JSON object"), middleware.GetReqID(r.Context()))
		return
	}
	reqID := requestIDOr(r, req.RequestID)

	id, err := uuid.Parse(chi.URLParam(r, "evidenceID"))
	if err != nil {
		respondFailure(w, errcode.New(errcode.EvidenceNotFound, "evidence not found"), reqID)
		return
	}

	actor := actorFrom(r)
	res, f := s.deps.Lifecycle.Execute(r.Context(), actor.TenantID, id, actor, req.Command, reqID)
	if f != nil {
		respondFailure(w, f, reqID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence_id":     res.Evidence.ID,
		"lifecycle_state": res.Evidence.LifecycleState,
		"ledger_state":    res.Evidence.LedgerState,
		"event":           res.Event,
		"evidence":        res.Evidence,
		"is_replay":       res.Replayed,
		"request_id":      reqID,
	})
}

type verifyRequest struct {
	RequestID       string          `json:"request_id"`
	PayloadBytes    json.RawMessage `json:"payload_bytes"`
	PayloadEncoding string          `json:"payload_encoding"`
}

func (s *Server) verifyEvidence(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, errcode.New(errcode.MalformedBody, "request body must be a JSON object"), middleware.GetReqID(r.Context()))
		return
	}
	reqID := requestIDOr(r, req.RequestID)

	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}

	wire := validation.Request{PayloadBytes: req.PayloadBytes, PayloadEncoding: req.PayloadEncoding}
	if !wire.Has("payload_bytes") {
		respondFailure(w, errcode.New(errcode.MissingPayload, "payload_bytes is required").OnField("payload_bytes"), reqID)
		return
	}
	payload, err := wire.Payload()
	if err != nil {
		respondFailure(w, errcode.New(errcode.InvalidPayload, err.Error()).OnField("payload_bytes"), reqID)
		return
	}

	result := verify(ev, payload)

	actor := actorFrom(r)
	evidenceID := ev.ID
	details := models.JSONB{
		"payload_match":  result.PayloadMatch,
		"metadata_match": result.MetadataMatch,
	}
	if result.SealMatch != nil {
		details["seal_match"] = *result.SealMatch
	}
	if err := s.deps.Auditor.Emit(r.Context(), audit.Event(ev.TenantID, &evidenceID, actor.UserID, models.AuditEvidenceVerified, reqID, details)); err != nil {
		s.logger.Error("verification audit failed", "evidence_id", ev.ID, "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence_id":    ev.ID,
		"payload_match":  result.PayloadMatch,
		"metadata_match": result.MetadataMatch,
		"seal_match":     result.SealMatch,
		"request_id":     reqID,
	})
}

type verification struct {
	PayloadMatch  bool
	MetadataMatch bool
	// SealMatch is nil for records that are not sealed.
	SealMatch *bool
}

func verify(ev *models.Evidence, payload []byte) verification {
	v := verification{
		PayloadMatch:  hasher.Equal(hasher.Hash(payload), ev.PayloadHashSHA256),
		MetadataMatch: hasher.Equal(hasher.Hash([]byte(ev.MetadataCanonicalJSON)), ev.MetadataHashSHA256),
	}
	if ev.LifecycleState == models.StateSealed {
		_, digest, err := lifecycle.ManifestFor(ev).Hash()
		match := err == nil && hasher.Equal(digest, ev.SealHashSHA256)
		v.SealMatch = &match
	}
	return v
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Store.ListLifecycleEvents(r.Context(), ev.TenantID, ev.ID)
	if err != nil {
		s.logger.Error("listing lifecycle events", "evidence_id", ev.ID, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "evidence store unavailable"), middleware.GetReqID(r.Context()))
		return
	}

	report, err := s.deps.Reports.Certificate(ev, events)
	if err != nil {
		s.logger.Error("rendering certificate", "evidence_id", ev.ID, "error", err)
		respondFailure(w, errcode.Newf(errcode.InternalError, "rendering certificate: %v", err), middleware.GetReqID(r.Context()))
		return
	}
	writeReport(w, report)
}

func writeReport(w http.ResponseWriter, report *reports.Report) {
	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+report.Filename+"\"")
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}

func (s *Server) getProvenance(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.loadEvidence(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Provenance.Lookup(r.Context(), ev.TenantID, ev.ID.String())
	if err != nil {
		s.logger.Error("provenance lookup", "evidence_id", ev.ID, "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "provenance graph unavailable"), middleware.GetReqID(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"evidence_id": ev.ID,
		"provenance":  p,
		"request_id":  middleware.GetReqID(r.Context()),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       s.deps.Scheduler.Jobs(),
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobName")
	if err := s.deps.Scheduler.RunJobNow(name); err != nil {
		s.jobFailure(w, r, name, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_name":   name,
		"status":     "started",
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) listJobExecutions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobName")
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	execs, err := s.deps.Scheduler.Executions(r.Context(), name, limit)
	if err != nil {
		s.jobFailure(w, r, name, err)
		return
	}
	if execs == nil {
		execs = []*scheduler.JobExecution{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_name":   name,
		"executions": execs,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) jobFailure(w http.ResponseWriter, r *http.Request, name string, err error) {
	reqID := middleware.GetReqID(r.Context())
	if errors.Is(err, scheduler.ErrUnknownJob) {
		respondFailure(w, errcode.Newf(errcode.JobNotFound, "job %q is not registered", name), reqID)
		return
	}
	s.logger.Error("job request failed", "job_name", name, "error", err)
	respondFailure(w, errcode.New(errcode.StoreUnavailable, "job history unavailable"), reqID)
}
