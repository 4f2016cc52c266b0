// Package export renders slide diff reports as PDF via headless Chrome.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatPDF Format = "pdf"
)

// Request contains parameters for an export operation
type Request struct {
	PresentationName string
	BaseLabel        string
	CompareLabel     string
	Format           Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
