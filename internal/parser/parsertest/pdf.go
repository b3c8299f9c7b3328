// Package parsertest builds small PDF files for tests.
package parsertest

import (
	"bytes"
	"strings"

	"github.com/go-pdf/fpdf"
)

// BuildPDF returns a PDF with one page per element of pages, each line of a
// page written in Helvetica. An empty string yields a page with no text.
func BuildPDF(pages ...string) []byte {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetCompression(false)
	pdf.SetFont("Helvetica", "", 12)
	for _, text := range pages {
		pdf.AddPage()
		if text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			pdf.CellFormat(0, 14, line, "", 1, "L", false, 0, "")
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		panic("parsertest: " + err.Error())
	}
	return buf.Bytes()
}
