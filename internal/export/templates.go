package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for diff report template rendering
type TemplateData struct {
	Title        string
	BaseLabel    string
	CompareLabel string
	GeneratedAt  time.Time
	Slides       []TemplateSlide
}

// TemplateSlide holds one slide's changes for the template
type TemplateSlide struct {
	Number   int
	Title    string
	Lines    []TemplateLine
	Elements []TemplateElement
}

// TemplateLine is a single rendered diff line
type TemplateLine struct {
	Kind string // "context", "added", "removed", "header"
	Text string
}

// TemplateElement is a single element-level change
type TemplateElement struct {
	Op     string
	ID     string
	Type   string
	Fields []string
}

// RenderReportHTML renders the diff report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .diff { font-family: monospace; white-space: pre-wrap; background: #f5f5f5; padding: 1rem; }
    .added { background: #e6ffec; }
    .removed { background: #ffebe9; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.BaseLabel}} vs {{.CompareLabel}} | {{.GeneratedAt.Format "Jan 2, 2006"}}</div>
  {{range .Slides}}
  <h2>Slide {{.Number}}{{if .Title}}: {{.Title}}{{end}}</h2>
  <div class="diff">{{range .Lines}}<div class="{{.Kind}}">{{.Text}}</div>{{end}}</div>
  {{range .Elements}}<p>{{.Op}} {{.ID}} ({{.Type}})</p>{{end}}
  {{end}}
</body>
</html>`
