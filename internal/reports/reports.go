package reports

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/complyledger/evidence/internal/models"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

type Report struct {
	Title       string
	Format      ReportFormat
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

type Generator struct {
	now func() time.Time
}

func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

const timeLayout = "2006-01-02 15:04:05.000000 UTC"

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// Certificate renders the seal certificate of an evidence record: its
// identity, hashes, retention and the full lifecycle log.
func (g *Generator) Certificate(ev *models.Evidence, events []models.LifecycleEvent) (*Report, error) {
	now := g.now()
	title := "Evidence Seal Certificate"
	if ev.LifecycleState != models.StateSealed {
		title = "Evidence Status Statement"
	}

	pdf := NewPDFReport(title, now)
	pdf.AddStateBadge(string(ev.LedgerState))

	pdf.AddSection("Record")
	pdf.AddField("Evidence ID", ev.ID.String())
	pdf.AddField("Tenant", ev.TenantID)
	pdf.AddField("Ingestion method", string(ev.IngestionMethod))
	pdf.AddField("Source system", string(ev.SourceSystem))
	pdf.AddField("Dataset type", string(ev.DatasetType))
	pdf.AddField("Declared scope", string(ev.DeclaredScope))
	pdf.AddField("Scope target", ev.ScopeTargetID)
	pdf.AddField("Trust level", string(ev.TrustLevel))
	pdf.AddField("Review status", string(ev.ReviewStatus))
	pdf.AddField("Lifecycle state", string(ev.LifecycleState))
	pdf.AddField("Created at", formatTime(&ev.CreatedAt))
	pdf.AddField("Created by", ev.CreatedByUserID)
	if ev.AttestorUserID != "" {
		pdf.AddField("Attested by", ev.AttestorUserID)
		pdf.AddField("Attested at", formatTime(ev.AttestedAt))
	}

	pdf.AddSection("Integrity")
	pdf.AddField("Payload SHA-256", ev.PayloadHashSHA256)
	pdf.AddField("Metadata SHA-256", ev.MetadataHashSHA256)
	pdf.AddField("Seal SHA-256", ev.SealHashSHA256)
	pdf.AddField("Sealed at", formatTime(ev.SealedAt))
	pdf.AddField("Archive", ev.ArchiveURI)

	pdf.AddSection("Retention")
	pdf.AddField("Policy", string(ev.RetentionPolicy))
	if ev.RetentionPolicy == models.RetentionCustom {
		pdf.AddField("Custom days", strconv.Itoa(ev.RetentionCustomDays))
	}
	pdf.AddField("Retain until", formatTime(&ev.RetentionEndsAt))

	if ev.Quarantined {
		pdf.AddSection("Quarantine")
		pdf.AddField("Reason", ev.QuarantineReason)
		if ev.ResolutionDueDate != nil {
			pdf.AddField("Resolution due", ev.ResolutionDueDate.Format("2006-01-02"))
		}
	}

	pdf.AddSection("Lifecycle Log")
	rows := make([][]string, 0, len(events))
	for _, e := range sortedEvents(events) {
		rows = append(rows, []string{
			strconv.Itoa(e.SequenceNumber),
			string(e.EventType),
			string(e.PreviousState) + " > " + string(e.NewState),
			e.ActorID,
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	pdf.AddTable([]string{"#", "Event", "State", "Actor", "Timestamp (UTC)"},
		[]float64{10, 40, 50, 45, 35}, rows)

	data, err := pdf.Output()
	if err != nil {
		return nil, err
	}

	return &Report{
		Title:       title,
		Format:      FormatPDF,
		GeneratedAt: now,
		Data:        data,
		Filename:    fmt.Sprintf("evidence_%s_certificate.pdf", ev.ID),
		MimeType:    "application/pdf",
	}, nil
}

// EventLogCSV exports the lifecycle log of one record.
func (g *Generator) EventLogCSV(ev *models.Evidence, events []models.LifecycleEvent) (*Report, error) {
	var buf bytes.Buffer
	if err := WriteEventLogCSV(&buf, events); err != nil {
		return nil, err
	}
	return &Report{
		Title:       "Lifecycle Log",
		Format:      FormatCSV,
		GeneratedAt: g.now(),
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("evidence_%s_events.csv", ev.ID),
		MimeType:    "text/csv",
	}, nil
}

func WriteEventLogCSV(w io.Writer, events []models.LifecycleEvent) error {
	csvWriter := csv.NewWriter(w)

	header := []string{"Sequence", "Event Type", "Previous State", "New State", "Actor", "Role", "Command ID", "Request ID", "Timestamp"}
	if err := csvWriter.Write(header); err != nil {
		return err
	}

	for _, e := range sortedEvents(events) {
		row := []string{
			strconv.Itoa(e.SequenceNumber),
			string(e.EventType),
			string(e.PreviousState),
			string(e.NewState),
			e.ActorID,
			e.ActorRole,
			e.CommandID,
			e.RequestID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

func sortedEvents(events []models.LifecycleEvent) []models.LifecycleEvent {
	out := make([]models.LifecycleEvent, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}
