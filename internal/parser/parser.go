// Package parser extracts frontmatter and annotation blocks from stored
// markdown documents.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/margin/internal/models"
)

// DocType marks a markdown file as a synchronized annotation document.
const DocType = "hypothesis-highlights"

// Block markers delimiting one annotation in a document body.
const (
	blockOpenPrefix = "<!-- annotation"
	blockClose      = "<!-- /annotation -->"
	tagsPrefix      = "tags:"
	kindPageNote    = "page-note"
)

var (
	openRe = regexp.MustCompile(`^<!--\s*annotation((?:\s+[a-z_]+=\S+)*)\s*-->$`)
	attrRe = regexp.MustCompile(`([a-z_]+)=(\S+)`)
	wsRe   = regexp.MustCompile(`\s+`)
)

// ParseError reports a document whose annotation blocks cannot be read.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser: line %d: %s", e.Line, e.Msg)
}

// Result holds the output of parsing a stored document.
type Result struct {
	Frontmatter map[string]interface{}
	Body        string
	DocType     string
	URL         string
	Title       string
	Annotations []models.LocalAnnotation
	PageNote    *models.LocalAnnotation
}

// IsAnnotationDocument reports whether the frontmatter marks a synchronized document.
func (r *Result) IsAnnotationDocument() bool {
	return r.DocType == DocType && r.URL != ""
}

// Parse extracts frontmatter and annotation blocks from raw Markdown bytes.
func Parse(data []byte) (*Result, error) {
	fm, body := splitFrontmatter(data)

	res := &Result{
		Frontmatter: fm,
		Body:        body,
		DocType:     stringField(fm, "doc_type"),
		URL:         stringField(fm, "url"),
		Title:       stringField(fm, "title"),
	}

	anns, pageNote, err := parseBlocks(body)
	if err != nil {
		return nil, err
	}
	res.Annotations = anns
	res.PageNote = pageNote
	return res, nil
}

// ParseFrontmatter returns only the frontmatter of data, skipping the
// annotation blocks. It never fails.
func ParseFrontmatter(data []byte) *Result {
	fm, body := splitFrontmatter(data)
	return &Result{
		Frontmatter: fm,
		Body:        body,
		DocType:     stringField(fm, "doc_type"),
		URL:         stringField(fm, "url"),
		Title:       stringField(fm, "title"),
	}
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Invalid YAML: not a document we manage.
		return nil, string(data)
	}

	return fm, body
}

func stringField(fm map[string]interface{}, key string) string {
	if fm == nil {
		return ""
	}
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// parseBlocks walks the body line by line collecting annotation blocks.
// Text outside blocks is ignored.
func parseBlocks(body string) ([]models.LocalAnnotation, *models.LocalAnnotation, error) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	var (
		out      []models.LocalAnnotation
		pageNote *models.LocalAnnotation
		seen     = make(map[string]int)
	)

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, blockOpenPrefix) {
			if line == blockClose {
				return nil, nil, &ParseError{Line: i + 1, Msg: "closing marker without opening marker"}
			}
			continue
		}
		m := openRe.FindStringSubmatch(line)
		if m == nil {
			return nil, nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("malformed annotation marker %q", line)}
		}
		attrs := parseAttrs(m[1])
		start := i + 1

		end := -1
		for j := start; j < len(lines); j++ {
			l := strings.TrimSpace(lines[j])
			if l == blockClose {
				end = j
				break
			}
			if strings.HasPrefix(l, blockOpenPrefix) {
				return nil, nil, &ParseError{Line: j + 1, Msg: "nested annotation marker"}
			}
		}
		if end < 0 {
			return nil, nil, &ParseError{Line: i + 1, Msg: "unterminated annotation block"}
		}

		ann, err := parseBlock(attrs, lines[start:end])
		if err != nil {
			return nil, nil, &ParseError{Line: i + 1, Msg: err.Error()}
		}
		if ann.ID != "" {
			if prev, dup := seen[ann.ID]; dup {
				return nil, nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("duplicate annotation id %q (first at line %d)", ann.ID, prev)}
			}
			seen[ann.ID] = i + 1
		}

		if attrs["kind"] == kindPageNote {
			if pageNote != nil {
				return nil, nil, &ParseError{Line: i + 1, Msg: "more than one page note"}
			}
			pageNote = &ann
		} else {
			out = append(out, ann)
		}
		i = end
	}
	return out, pageNote, nil
}

func parseAttrs(raw string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(raw, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// parseBlock reads one block body: leading "> " lines are the quoted text,
// a trailing "tags:" line holds the tags, everything else is the note.
func parseBlock(attrs map[string]string, lines []string) (models.LocalAnnotation, error) {
	ann := models.LocalAnnotation{ID: attrs["id"], ReplyTo: attrs["reply_to"], State: models.StateLocalOnly}
	if s, ok := attrs["state"]; ok {
		st, err := models.ParseState(s)
		if err != nil {
			return ann, err
		}
		ann.State = st
	}
	for key, dst := range map[string]*time.Time{"created": &ann.Created, "updated": &ann.Updated} {
		raw, ok := attrs[key]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ann, fmt.Errorf("bad %s attribute %q", key, raw)
		}
		*dst = t
	}

	i := 0
	var quote []string
	for ; i < len(lines); i++ {
		l := strings.TrimRight(lines[i], " \t")
		if !strings.HasPrefix(l, ">") {
			break
		}
		l = strings.TrimPrefix(l, ">")
		quote = append(quote, strings.TrimPrefix(l, " "))
	}
	ann.Text = strings.Join(quote, "\n")

	rest := lines[i:]
	last := len(rest) - 1
	for last >= 0 && strings.TrimSpace(rest[last]) == "" {
		last--
	}
	ann.Tags = []string{}
	if last >= 0 {
		if l := strings.TrimSpace(rest[last]); strings.HasPrefix(strings.ToLower(l), tagsPrefix) {
			ann.Tags = splitTags(l[len(tagsPrefix):])
			rest = rest[:last]
		}
	}
	ann.Note = strings.Trim(strings.Join(rest, "\n"), "\n \t")
	return ann, nil
}

// splitTags accepts a comma separated list ("a, two words") or a list of
// whitespace separated hashtags ("#a #b"). Duplicates are dropped.
func splitTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ",")
	if fields := wsRe.Split(raw, -1); len(parts) == 1 && allHashtags(fields) {
		parts = fields
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, t := range parts {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func allHashtags(fields []string) bool {
	for _, f := range fields {
		if !strings.HasPrefix(f, "#") {
			return false
		}
	}
	return len(fields) > 0
}
