package notifications

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/models"
)

type slackRecorder struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func (r *slackRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var msg SlackMessage
	_ = json.NewDecoder(req.Body).Decode(&msg)
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newSlackService(t *testing.T, min Severity) (*Service, *slackRecorder) {
	t.Helper()
	rec := &slackRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Channel: "#evidence", Enabled: true, MinSeverity: min},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return svc, rec
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		actual, minimum Severity
		want            bool
	}{
		{SeverityCritical, SeverityHigh, true},
		{SeverityHigh, SeverityHigh, true},
		{SeverityMedium, SeverityHigh, false},
		{SeverityLow, SeverityLow, true},
	}
	for _, tt := range tests {
		if got := shouldNotify(tt.actual, tt.minimum); got != tt.want {
			t.Errorf("shouldNotify(%s, %s) = %v, want %v", tt.actual, tt.minimum, got, tt.want)
		}
	}
}

func TestNotifySecurityViolation(t *testing.T) {
	svc, rec := newSlackService(t, SeverityHigh)

	event := &models.AuditEvent{
		TenantID:    "t-live",
		ActorUserID: "user-1",
		Action:      models.AuditSecurityViolation,
		RequestID:   "req-9",
		Details:     models.JSONB{"error_code": "FIXTURE_IN_LIVE"},
	}
	if err := svc.NotifySecurityViolation(context.Background(), event); err != nil {
		t.Fatalf("NotifySecurityViolation failed: %v", err)
	}

	if len(rec.messages) != 1 {
		t.Fatalf("expected 1 slack message, got %d", len(rec.messages))
	}
	att := rec.messages[0].Attachments[0]
	if att.Color != "#FF0000" || !strings.Contains(att.Text, "FIXTURE_IN_LIVE") {
		t.Errorf("unexpected attachment %+v", att)
	}
	titles := map[string]string{}
	for _, f := range att.Fields {
		titles[f.Title] = f.Value
	}
	if titles["Tenant"] != "t-live" || titles["Code"] != "FIXTURE_IN_LIVE" || titles["Request"] != "req-9" {
		t.Errorf("unexpected fields %v", titles)
	}
}

func TestSend_BelowThresholdIsSkipped(t *testing.T) {
	svc, rec := newSlackService(t, SeverityHigh)

	if err := svc.NotifyRetentionExpired(context.Background(), "t-1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.messages) != 0 {
		t.Errorf("medium severity should not reach a high threshold channel")
	}
}

func TestSend_SlackError(t *testing.T) {
	svc, rec := newSlackService(t, SeverityLow)
	rec.status = http.StatusInternalServerError

	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ev := &models.Evidence{ID: uuid.New(), TenantID: "t-1", ResolutionDueDate: &due}
	err := svc.NotifyQuarantineOverdue(context.Background(), ev)
	if err == nil || !strings.Contains(err.Error(), "slack") {
		t.Errorf("expected a slack error, got %v", err)
	}
}

func TestFormatEmailBody(t *testing.T) {
	body, err := formatEmailBody(&Notification{
		Title:     "Quarantined Evidence Overdue",
		Message:   "still quarantined",
		Severity:  SeverityHigh,
		Data:      map[string]interface{}{"tenant_id": "t-1", "evidence_id": "e-1"},
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("formatEmailBody failed: %v", err)
	}
	if !strings.Contains(body, "Quarantined Evidence Overdue") || !strings.Contains(body, "t-1") {
		t.Errorf("body missing content")
	}
	if strings.Index(body, "evidence_id") > strings.Index(body, "tenant_id") {
		t.Errorf("rows should be sorted by key")
	}
}

func TestEnabled(t *testing.T) {
	if NewService(Config{}, nil).Enabled() {
		t.Error("no channels configured should report disabled")
	}
}
