package export

import (
	"fmt"
	"strings"
	"time"

	"peerdiffx/api/internal/diff"
)

// Service turns computed slide diff reports into downloadable documents.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export renders the reports and generates output in the requested format.
func (s *Service) Export(req Request, reports []diff.Report) (*Result, error) {
	data := TemplateData{
		Title:        req.PresentationName,
		BaseLabel:    req.BaseLabel,
		CompareLabel: req.CompareLabel,
		GeneratedAt:  time.Now(),
		Slides:       make([]TemplateSlide, 0, len(reports)),
	}
	for _, report := range reports {
		data.Slides = append(data.Slides, toTemplateSlide(report))
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		title := fmt.Sprintf("%s %s vs %s", req.PresentationName, req.BaseLabel, req.CompareLabel)
		return exportPDF(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func toTemplateSlide(report diff.Report) TemplateSlide {
	slide := TemplateSlide{
		Number: report.SlideNumber,
		Title:  report.Title,
	}

	for _, hunk := range report.Hunks {
		slide.Lines = append(slide.Lines, TemplateLine{Kind: "header", Text: hunk.Header()})
		for _, line := range hunk.Lines {
			slide.Lines = append(slide.Lines, TemplateLine{
				Kind: lineClass(line.Kind),
				Text: linePrefix(line.Kind) + line.Text,
			})
		}
	}

	for _, change := range report.Elements {
		element := TemplateElement{
			Op:   string(change.Op),
			ID:   change.ID,
			Type: change.Type,
		}
		for _, field := range change.Fields {
			element.Fields = append(element.Fields,
				fmt.Sprintf("%s: %s to %s", field.Field, orBlank(field.Before), orBlank(field.After)))
		}
		slide.Elements = append(slide.Elements, element)
	}

	return slide
}

func lineClass(kind diff.LineKind) string {
	switch kind {
	case diff.LineAdded:
		return "added"
	case diff.LineRemoved:
		return "removed"
	default:
		return "context"
	}
}

func linePrefix(kind diff.LineKind) string {
	switch kind {
	case diff.LineAdded:
		return "+"
	case diff.LineRemoved:
		return "-"
	default:
		return " "
	}
}

func orBlank(value string) string {
	if strings.TrimSpace(value) == "" {
		return `(empty)`
	}
	return value
}
