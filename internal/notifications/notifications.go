package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/complyledger/evidence/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifySecurityViolation NotificationType = "security_violation"
	NotifyQuarantineOverdue NotificationType = "quarantine_overdue"
	NotifyRetentionExpired  NotificationType = "retention_expired"
	NotifyAuditDeadLetter   NotificationType = "audit_dead_letter"
)

// Severity orders how urgently a notification needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity Severity
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
	now    func() time.Time
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Enabled reports whether any channel is switched on.
func (s *Service) Enabled() bool {
	return s.config.Slack.Enabled || s.config.Email.Enabled
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	return errors.Join(errs...)
}

func shouldNotify(actual, minimum Severity) bool {
	return severityOrder[actual] >= severityOrder[minimum]
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackFields = []struct {
	key   string
	title string
}{
	{"tenant_id", "Tenant"},
	{"evidence_id", "Evidence"},
	{"error_code", "Code"},
	{"request_id", "Request"},
	{"resolution_due_date", "Due"},
	{"count", "Records"},
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := []SlackField{}
	for _, f := range slackFields {
		if v, ok := notif.Data[f.key]; ok && v != nil {
			fields = append(fields, SlackField{Title: f.title, Value: fmt.Sprint(v), Short: true})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Evidence Ledger",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", notif.Type, "title", notif.Title)
	return nil
}

func severityToColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#FF0000"
	case SeverityHigh:
		return "#FFA500"
	case SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(_ context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Evidence Alert] %s", notif.Title)
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))
	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.Color}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .footer { padding: 15px 20px; background: #f9f9f9; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h2 style="margin:0;">{{.Title}}</h2></div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: {{.Severity}}</p>
            {{if .Rows}}
            <table class="data-table">
                {{range .Rows}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>{{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">Generated at: {{.Timestamp}}</div>
    </div>
</body>
</html>
`))

type emailRow struct {
	Key   string
	Value string
}

func formatEmailBody(notif *Notification) (string, error) {
	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]emailRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, emailRow{Key: k, Value: fmt.Sprint(notif.Data[k])})
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, map[string]interface{}{
		"Title":     notif.Title,
		"Message":   notif.Message,
		"Severity":  string(notif.Severity),
		"Color":     severityToColor(notif.Severity),
		"Rows":      rows,
		"Timestamp": notif.Timestamp.Format(time.RFC1123),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// NotifySecurityViolation alerts on a submission rejected for tampering or
// a test-data leak into a live tenant.
func (s *Service) NotifySecurityViolation(ctx context.Context, event *models.AuditEvent) error {
	data := map[string]interface{}{
		"tenant_id":  event.TenantID,
		"request_id": event.RequestID,
		"actor":      event.ActorUserID,
	}
	for k, v := range event.Details {
		data[k] = v
	}

	return s.Send(ctx, &Notification{
		Type:      NotifySecurityViolation,
		Title:     "Evidence Security Violation",
		Message:   fmt.Sprintf("Submission by %s rejected with %v", event.ActorUserID, event.Details["error_code"]),
		Severity:  SeverityCritical,
		Data:      data,
		Timestamp: s.now(),
	})
}

// NotifyQuarantineOverdue alerts that a quarantined record passed its
// resolution due date without a scope decision.
func (s *Service) NotifyQuarantineOverdue(ctx context.Context, ev *models.Evidence) error {
	due := ""
	if ev.ResolutionDueDate != nil {
		due = ev.ResolutionDueDate.Format("2006-01-02")
	}
	return s.Send(ctx, &Notification{
		Type:     NotifyQuarantineOverdue,
		Title:    "Quarantined Evidence Overdue",
		Message:  fmt.Sprintf("Evidence %s is still quarantined past its resolution date", ev.ID),
		Severity: SeverityHigh,
		Data: map[string]interface{}{
			"tenant_id":           ev.TenantID,
			"evidence_id":         ev.ID.String(),
			"resolution_due_date": due,
			"unlinked_reason":     ev.QuarantineReason,
		},
		Timestamp: s.now(),
	})
}

// NotifyRetentionExpired reports how many records per tenant passed their
// retention deadline. Nothing is deleted.
func (s *Service) NotifyRetentionExpired(ctx context.Context, tenantID string, count int) error {
	return s.Send(ctx, &Notification{
		Type:     NotifyRetentionExpired,
		Title:    "Evidence Retention Expired",
		Message:  fmt.Sprintf("%d evidence records for tenant %s are past retention", count, tenantID),
		Severity: SeverityMedium,
		Data: map[string]interface{}{
			"tenant_id": tenantID,
			"count":     count,
		},
		Timestamp: s.now(),
	})
}

// NotifyAuditDeadLetter reports audit events that exhausted their retries.
func (s *Service) NotifyAuditDeadLetter(ctx context.Context, count int) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyAuditDeadLetter,
		Title:     "Audit Events Dead-Lettered",
		Message:   fmt.Sprintf("%d audit events could not be stored after all retries", count),
		Severity:  SeverityCritical,
		Data:      map[string]interface{}{"count": count},
		Timestamp: s.now(),
	})
}
