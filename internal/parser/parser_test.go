package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/margin/internal/models"
)

const sampleDoc = `---
doc_type: hypothesis-highlights
url: https://example.com/post
title: A Post
author: example.com
---
# A Post

<!-- annotation id=pn1 state=SYNCHRONIZED kind=page-note -->
Overall thoughts.
tags: reading
<!-- /annotation -->

Free text between blocks is ignored.

<!-- annotation id=a1 state=UPDATED_REMOTE -->
> first line
> second line

my note
spans two lines

tags: go, two words, #go
<!-- /annotation -->

<!-- annotation -->
> fresh highlight
<!-- /annotation -->
`

func TestParse_FrontmatterAndBlocks(t *testing.T) {
	r, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.IsAnnotationDocument() {
		t.Error("IsAnnotationDocument = false")
	}
	if r.URL != "https://example.com/post" {
		t.Errorf("url = %q", r.URL)
	}
	if r.Title != "A Post" {
		t.Errorf("title = %q, want %q", r.Title, "A Post")
	}
	if len(r.Annotations) != 2 {
		t.Fatalf("len(annotations) = %d, want 2", len(r.Annotations))
	}

	a := r.Annotations[0]
	if a.ID != "a1" || a.State != models.StateUpdatedRemote {
		t.Errorf("a1 = %+v", a)
	}
	if a.Text != "first line\nsecond line" {
		t.Errorf("text = %q", a.Text)
	}
	if a.Note != "my note\nspans two lines" {
		t.Errorf("note = %q", a.Note)
	}
	if strings.Join(a.Tags, "|") != "go|two words" {
		t.Errorf("tags = %v, want [go two words]", a.Tags)
	}

	fresh := r.Annotations[1]
	if fresh.ID != "" || fresh.State != models.StateLocalOnly {
		t.Errorf("fresh = %+v", fresh)
	}
	if fresh.Tags == nil || len(fresh.Tags) != 0 {
		t.Errorf("fresh tags = %#v, want empty non-nil", fresh.Tags)
	}

	if r.PageNote == nil {
		t.Fatal("expected page note")
	}
	if r.PageNote.ID != "pn1" || r.PageNote.Note != "Overall thoughts." || r.PageNote.Text != "" {
		t.Errorf("page note = %+v", r.PageNote)
	}
}

func TestParse_ThreadAttributes(t *testing.T) {
	doc := "<!-- annotation id=r2 state=SYNCHRONIZED reply_to=p1 created=2024-05-01T10:00:00Z updated=2024-05-02T08:30:00Z -->\n" +
		"\nA reply.\n\ntags:\n<!-- /annotation -->\n"
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Annotations) != 1 {
		t.Fatalf("len(annotations) = %d, want 1", len(r.Annotations))
	}
	a := r.Annotations[0]
	if a.ReplyTo != "p1" {
		t.Errorf("reply_to = %q, want %q", a.ReplyTo, "p1")
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !a.Created.Equal(want) {
		t.Errorf("created = %v, want %v", a.Created, want)
	}
	if want := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC); !a.Updated.Equal(want) {
		t.Errorf("updated = %v, want %v", a.Updated, want)
	}
	if a.Note != "A reply." {
		t.Errorf("note = %q", a.Note)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	r, err := Parse([]byte("# Just a heading\nSome text.\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", r.Frontmatter)
	}
	if r.IsAnnotationDocument() {
		t.Error("plain note reported as annotation document")
	}
	if len(r.Annotations) != 0 || r.PageNote != nil {
		t.Errorf("unexpected annotations: %+v", r)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	r, err := Parse([]byte("---\n: invalid: yaml: {{{\n---\nBody\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
}

func TestParse_HashtagTags(t *testing.T) {
	doc := "<!-- annotation id=x -->\n> q\ntags: #one #two #one\n<!-- /annotation -->\n"
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(r.Annotations[0].Tags, ","); got != "one,two" {
		t.Errorf("tags = %q, want %q", got, "one,two")
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]struct {
		doc  string
		line int
	}{
		"stray close": {
			doc:  "text\n<!-- /annotation -->\n",
			line: 2,
		},
		"malformed marker": {
			doc:  "<!-- annotation id=a1\n> q\n<!-- /annotation -->\n",
			line: 1,
		},
		"nested": {
			doc:  "<!-- annotation id=a -->\n<!-- annotation id=b -->\n<!-- /annotation -->\n",
			line: 2,
		},
		"unterminated": {
			doc:  "\n<!-- annotation id=a -->\n> q\n",
			line: 2,
		},
		"duplicate id": {
			doc:  "<!-- annotation id=a -->\n<!-- /annotation -->\n<!-- annotation id=a -->\n<!-- /annotation -->\n",
			line: 3,
		},
		"two page notes": {
			doc:  "<!-- annotation kind=page-note -->\n<!-- /annotation -->\n<!-- annotation kind=page-note -->\n<!-- /annotation -->\n",
			line: 3,
		},
		"unknown state": {
			doc:  "<!-- annotation id=a state=BOGUS -->\n<!-- /annotation -->\n",
			line: 1,
		},
		"bad timestamp": {
			doc:  "\n<!-- annotation id=a created=yesterday -->\n<!-- /annotation -->\n",
			line: 2,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if pe.Line != tc.line {
				t.Errorf("line = %d, want %d", pe.Line, tc.line)
			}
		})
	}
}

func TestParseFrontmatter_IgnoresBrokenBlocks(t *testing.T) {
	doc := "---\ndoc_type: hypothesis-highlights\nurl: https://x.org\n---\n<!-- annotation id=a -->\n"
	r := ParseFrontmatter([]byte(doc))
	if !r.IsAnnotationDocument() || r.URL != "https://x.org" {
		t.Errorf("result = %+v", r)
	}
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("Parse should reject the unterminated block")
	}
}

func TestParse_CRLF(t *testing.T) {
	doc := "<!-- annotation id=a -->\r\n> quoted\r\nnote\r\n<!-- /annotation -->\r\n"
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	a := r.Annotations[0]
	if a.Text != "quoted" || a.Note != "note" {
		t.Errorf("annotation = %+v", a)
	}
}
