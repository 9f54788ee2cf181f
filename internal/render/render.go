// Package render turns a reconciled document into the markdown stored in
// the vault. The metadata header comes from a text/template that users may
// override; the frontmatter and annotation blocks are fixed so that
// internal/parser can always read them back.
package render

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/parser"
)

// DefaultDateFormat is used when Options.DateFormat is empty.
const DefaultDateFormat = "2006-01-02 15:04:05"

// DefaultMetadataTemplate renders the document header.
const DefaultMetadataTemplate = `# {{.Title}}

- URL: {{.URL}}
{{- if .Author}}
- Author: {{.Author}}
{{- end}}
{{- if .LastAccessed}}
- Last accessed: {{date .LastAccessed}}
{{- end}}
{{- if .AnnotationDates}}
- Annotated: {{join .AnnotationDates ", "}}
{{- end}}
`

// Options configures a Renderer.
type Options struct {
	// DateFormat is a Go time layout.
	DateFormat string
	// MetadataTemplate replaces DefaultMetadataTemplate when non-empty.
	MetadataTemplate string
}

// Renderer produces document markdown.
type Renderer struct {
	meta       *template.Template
	dateFormat string
}

// TemplateData is the value the metadata template is executed with.
type TemplateData struct {
	Title           string
	URL             string
	Author          string
	LastAccessed    *time.Time
	AnnotationDates []string
	Highlights      int
	HasPageNote     bool
}

type frontmatter struct {
	DocType      string `yaml:"doc_type"`
	URL          string `yaml:"url"`
	Title        string `yaml:"title"`
	Author       string `yaml:"author,omitempty"`
	LastAccessed string `yaml:"last_accessed,omitempty"`
}

// New compiles the metadata template and checks that it executes against
// an empty document.
func New(opts Options) (*Renderer, error) {
	r := &Renderer{dateFormat: opts.DateFormat}
	if r.dateFormat == "" {
		r.dateFormat = DefaultDateFormat
	}
	text := opts.MetadataTemplate
	if strings.TrimSpace(text) == "" {
		text = DefaultMetadataTemplate
	}
	tmpl, err := template.New("metadata").Funcs(template.FuncMap{
		"join": strings.Join,
		"date": r.formatDate,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("render: parse metadata template: %w", err)
	}
	r.meta = tmpl
	if err := r.meta.Execute(&bytes.Buffer{}, TemplateData{}); err != nil {
		return nil, fmt.Errorf("render: metadata template: %w", err)
	}
	return r, nil
}

func (r *Renderer) formatDate(t any) string {
	switch v := t.(type) {
	case time.Time:
		return v.Format(r.dateFormat)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.Format(r.dateFormat)
	default:
		return fmt.Sprint(t)
	}
}

// Render returns the full file content for doc.
func (r *Renderer) Render(doc models.Document) ([]byte, error) {
	var buf bytes.Buffer

	fm := frontmatter{
		DocType: parser.DocType,
		URL:     doc.Metadata.URL,
		Title:   doc.Metadata.Title,
		Author:  doc.Metadata.Author,
	}
	if fm.URL == "" {
		fm.URL = doc.URI
	}
	if doc.Metadata.LastAccessed != nil {
		fm.LastAccessed = doc.Metadata.LastAccessed.UTC().Format(time.RFC3339)
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("render: frontmatter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n")

	if err := r.meta.Execute(&buf, r.templateData(doc, fm.URL)); err != nil {
		return nil, fmt.Errorf("render: metadata template: %w", err)
	}

	if pn := doc.PageNote; pn != nil && hasContent(*pn) {
		buf.WriteString("\n## Page note\n\n")
		writeBlock(&buf, *pn, true)
	}

	if len(doc.Annotations) > 0 {
		buf.WriteString("\n## Highlights\n")
		threads := models.Thread(doc.Annotations)
		visited := make(map[string]struct{})
		var walk func(list []models.Annotation)
		walk = func(list []models.Annotation) {
			for _, a := range list {
				if a.ID != "" {
					if _, ok := visited[a.ID]; ok {
						continue
					}
					visited[a.ID] = struct{}{}
				}
				buf.WriteString("\n")
				writeBlock(&buf, a, false)
				if a.ID != "" {
					walk(threads[a.ID])
				}
			}
		}
		walk(threads[""])
	}
	return buf.Bytes(), nil
}

func (r *Renderer) templateData(doc models.Document, url string) TemplateData {
	seen := make(map[string]struct{})
	var dates []string
	for _, a := range doc.Annotations {
		if a.Updated.IsZero() {
			continue
		}
		d := a.Updated.Format(r.dateFormat)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	slices.Sort(dates)

	title := doc.Metadata.Title
	if title == "" {
		title = url
	}
	return TemplateData{
		Title:           title,
		URL:             url,
		Author:          doc.Metadata.Author,
		LastAccessed:    doc.Metadata.LastAccessed,
		AnnotationDates: dates,
		Highlights:      len(doc.Annotations),
		HasPageNote:     doc.PageNote != nil && hasContent(*doc.PageNote),
	}
}

func hasContent(a models.Annotation) bool {
	return a.ID != "" || strings.TrimSpace(a.Note) != "" || len(a.Tags) > 0
}

// writeBlock emits one annotation block. The blank line after the quote
// section is always written so a note starting with ">" is not read back
// as quoted text, and the tags line is always last so a note line starting
// with "tags:" survives.
func writeBlock(buf *bytes.Buffer, a models.Annotation, pageNote bool) {
	buf.WriteString("<!-- annotation")
	if a.ID != "" {
		fmt.Fprintf(buf, " id=%s", a.ID)
	}
	fmt.Fprintf(buf, " state=%s", a.State)
	if pageNote {
		buf.WriteString(" kind=page-note")
	}
	if a.ReplyTo != "" {
		fmt.Fprintf(buf, " reply_to=%s", a.ReplyTo)
	}
	if !a.Created.IsZero() {
		fmt.Fprintf(buf, " created=%s", a.Created.UTC().Format(time.RFC3339))
	}
	if !a.Updated.IsZero() {
		fmt.Fprintf(buf, " updated=%s", a.Updated.UTC().Format(time.RFC3339))
	}
	buf.WriteString(" -->\n")

	if text := strings.TrimRight(normalizeNewlines(a.Text), "\n"); text != "" {
		for _, l := range strings.Split(text, "\n") {
			if l = strings.TrimRight(l, " \t"); l == "" {
				buf.WriteString(">\n")
			} else {
				buf.WriteString("> " + l + "\n")
			}
		}
	}
	buf.WriteString("\n")
	if note := strings.TrimSpace(normalizeNewlines(a.Note)); note != "" {
		buf.WriteString(note + "\n\n")
	}
	buf.WriteString("tags:")
	if len(a.Tags) > 0 {
		buf.WriteString(" " + strings.Join(a.Tags, ", "))
	}
	buf.WriteString("\n<!-- /annotation -->\n")
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
