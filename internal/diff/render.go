package diff

import (
	"fmt"
	"strings"
)

// Report bundles both diff forms for one slide pair.
type Report struct {
	SlideNumber int             `json:"slideNumber"`
	Title       string          `json:"title"`
	Hunks       []Hunk          `json:"hunks"`
	Elements    []ElementChange `json:"elements"`
}

// RenderMarkdown converts a report into the Markdown-like text shown to
// reviewers. Hunks render in order with their original line order intact;
// unrelated hunks are never merged.
func RenderMarkdown(report Report) string {
	var b strings.Builder

	heading := fmt.Sprintf("## Slide %d", report.SlideNumber)
	if report.Title != "" {
		heading += ": " + report.Title
	}
	b.WriteString(heading)
	b.WriteString("\n\n")

	if len(report.Hunks) == 0 && len(report.Elements) == 0 {
		b.WriteString("_No changes._\n")
		return b.String()
	}

	if len(report.Hunks) > 0 {
		b.WriteString("**Markup changes**\n\n")
		for _, hunk := range report.Hunks {
			b.WriteString("### ")
			b.WriteString(hunk.Header())
			b.WriteString("\n\n```diff\n")
			for _, line := range hunk.Lines {
				switch line.Kind {
				case LineAdded:
					b.WriteString("+")
				case LineRemoved:
					b.WriteString("-")
				default:
					b.WriteString(" ")
				}
				b.WriteString(line.Text)
				b.WriteString("\n")
				if line.NoEOL {
					b.WriteString("\\ No newline at end of file\n")
				}
			}
			b.WriteString("```\n\n")
		}
	}

	if len(report.Elements) > 0 {
		b.WriteString("**Element changes**\n\n")
		for _, change := range report.Elements {
			switch change.Op {
			case OpInserted:
				fmt.Fprintf(&b, "- **inserted** `%s` (%s)\n", change.ID, change.Type)
			case OpDeleted:
				fmt.Fprintf(&b, "- **deleted** `%s` (%s)\n", change.ID, change.Type)
			case OpModified:
				fmt.Fprintf(&b, "- **modified** `%s` (%s)\n", change.ID, change.Type)
				for _, field := range change.Fields {
					fmt.Fprintf(&b, "  - %s: `%s` → `%s`\n", field.Field, field.Before, field.After)
				}
			}
		}
	}

	return b.String()
}
