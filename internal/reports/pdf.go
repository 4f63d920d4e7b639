package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle(title, true)
	pdf.SetCreationDate(generatedAt)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader(generatedAt)
	return r
}

func (r *PDFReport) addHeader(generatedAt time.Time) {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s UTC", generatedAt.UTC().Format("January 2, 2006 15:04")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(5)
}

// AddField writes a label and a value that may wrap, such as a hash.
func (r *PDFReport) AddField(label, value string) {
	if value == "" {
		value = "-"
	}
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(55, 6, label, "", 0, "L", false, 0, "")

	r.pdf.SetFont("Courier", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, value, "", "L", false)
}

func (r *PDFReport) AddTable(headers []string, widths []float64, rows [][]string) {
	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		r.pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 8)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for i, cell := range row {
			r.pdf.CellFormat(widths[i], 7, truncate(cell, int(widths[i]/1.6)), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

// AddStateBadge draws a colored marker for a ledger state.
func (r *PDFReport) AddStateBadge(state string) {
	var red, green, blue int

	switch state {
	case "SEALED":
		red, green, blue = 40, 167, 69
	case "QUARANTINED":
		red, green, blue = 253, 126, 20
	case "REJECTED":
		red, green, blue = 220, 53, 69
	default:
		red, green, blue = 108, 117, 125
	}

	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetFont("Arial", "B", 11)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(50, 9, state, "", 1, "C", true, 0, "")
	r.pdf.Ln(4)
}

func (r *PDFReport) AddFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.AddFooter()

	var buf bytes.Buffer
	err := r.pdf.Output(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

func truncate(s string, length int) string {
	if length < 4 || len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
