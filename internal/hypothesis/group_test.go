package hypothesis

import (
	"testing"
	"time"
)

func quoted(id, uri, text string, updated time.Time) Entry {
	e := Entry{ID: id, URI: uri, Updated: updated, Created: updated, User: "acct:alice@hypothes.is", Group: "__world__", Text: "note " + id}
	e.Target = []Target{{Source: uri, Selector: []Selector{{Type: "TextQuoteSelector", Exact: text}}}}
	return e
}

func TestGroupEntries_OrderAndMetadata(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := quoted("b1", "https://b.test/x", "bq", t0)
	a1 := quoted("a1", "https://www.a.test/post", "aq", t0.Add(time.Hour))
	a1.Document.Title = []string{"A Post"}
	a2 := quoted("a2", "https://www.a.test/post", "aq2", t0.Add(2*time.Hour))

	docs := GroupEntries([]Entry{b, a1, a2}, nil, "acct:alice@hypothes.is")
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].URI != "https://b.test/x" || docs[1].URI != "https://www.a.test/post" {
		t.Errorf("order = %s, %s", docs[0].URI, docs[1].URI)
	}
	a := docs[1]
	if a.Metadata.Title != "A Post" || a.Metadata.Author != "www.a.test" {
		t.Errorf("metadata = %+v", a.Metadata)
	}
	if docs[0].Metadata.Title != "https://b.test/x" {
		t.Errorf("title fallback = %q", docs[0].Metadata.Title)
	}
	if len(a.Annotations) != 2 || a.Annotations[0].Text != "aq" || a.Annotations[0].Note != "note a1" {
		t.Errorf("annotations = %+v", a.Annotations)
	}
	if !a.Annotations[0].ByActiveUser || a.Annotations[0].User != "alice" {
		t.Errorf("user fields = %+v", a.Annotations[0])
	}
	if a.Metadata.LastAccessed == nil || !a.Metadata.LastAccessed.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("last accessed = %v", a.Metadata.LastAccessed)
	}
	if a.PageNote != nil {
		t.Errorf("unexpected page note %+v", a.PageNote)
	}
}

func TestGroupEntries_PageNoteLatestWins(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	uri := "https://p.test"
	older := Entry{ID: "p1", URI: uri, Updated: t0, Text: "old"}
	newer := Entry{ID: "p2", URI: uri, Updated: t0.Add(time.Hour), Text: "new"}
	h := quoted("h", uri, "q", t0)

	docs := GroupEntries([]Entry{older, h, newer}, nil, "")
	d := docs[0]
	if d.PageNote == nil || d.PageNote.ID != "p2" {
		t.Fatalf("page note = %+v", d.PageNote)
	}
	if len(d.Annotations) != 2 {
		t.Errorf("len(annotations) = %d, want 2 (highlight + older page note)", len(d.Annotations))
	}
}

func TestGroupEntries_Replies(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	uri := "https://r.test"
	parent := quoted("p", uri, "q", t0)
	reply := Entry{ID: "r", URI: uri, Updated: t0, References: []string{"root", "p"}, Text: "reply"}
	orphan := Entry{ID: "o", URI: uri, Updated: t0, References: []string{"gone"}, Text: "orphan"}

	d := GroupEntries([]Entry{parent, reply, orphan}, nil, "")[0]
	if d.PageNote != nil {
		t.Errorf("replies must not become page notes: %+v", d.PageNote)
	}
	got := map[string]string{}
	for _, a := range d.Annotations {
		got[a.ID] = a.ReplyTo
	}
	if got["r"] != "p" {
		t.Errorf("reply_to = %q, want p", got["r"])
	}
	if got["o"] != "" {
		t.Errorf("dangling reply_to = %q, want cleared", got["o"])
	}
}

func TestGroupEntries_GroupFilter(t *testing.T) {
	t0 := time.Now()
	in := quoted("a", "https://g.test", "q", t0)
	out := quoted("b", "https://g.test", "q", t0)
	out.Group = "private"

	docs := GroupEntries([]Entry{in, out}, []string{"__world__"}, "")
	if len(docs) != 1 || len(docs[0].Annotations) != 1 || docs[0].Annotations[0].ID != "a" {
		t.Errorf("docs = %+v", docs)
	}
	if docs := GroupEntries([]Entry{out}, []string{}, ""); len(docs) != 0 {
		t.Errorf("empty selection should drop everything, got %d docs", len(docs))
	}
}
