package hypothesis

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/starford/margin/internal/models"
)

// GroupEntries turns search rows into one document per source uri, in the
// order sources first appear. Rows outside the selected groups are dropped;
// a nil selection keeps every group. activeUser is the full account id
// used to flag the user's own annotations.
//
// A row without a quote selector and without references is a page note.
// When a source has several, the most recently updated one takes the slot
// and the rest are kept as ordinary annotations.
func GroupEntries(entries []Entry, selected []string, activeUser string) []models.Document {
	var keep map[string]struct{}
	if selected != nil {
		keep = make(map[string]struct{}, len(selected))
		for _, g := range selected {
			keep[g] = struct{}{}
		}
	}

	var (
		order []string
		byURI = make(map[string][]Entry)
	)
	for _, e := range entries {
		if e.URI == "" {
			continue
		}
		if keep != nil {
			if _, ok := keep[e.Group]; !ok {
				continue
			}
		}
		if _, seen := byURI[e.URI]; !seen {
			order = append(order, e.URI)
		}
		byURI[e.URI] = append(byURI[e.URI], e)
	}

	docs := make([]models.Document, 0, len(order))
	for _, uri := range order {
		docs = append(docs, buildDocument(uri, byURI[uri], activeUser))
	}
	return docs
}

func buildDocument(uri string, rows []Entry, activeUser string) models.Document {
	doc := models.Document{
		URI: uri,
		Metadata: models.Metadata{
			Author: host(uri),
			Title:  uri,
			URL:    uri,
		},
		Annotations: make([]models.Annotation, 0, len(rows)),
	}

	ids := make(map[string]struct{}, len(rows))
	for _, e := range rows {
		ids[e.ID] = struct{}{}
	}

	var (
		pageNote *models.Annotation
		lastSeen time.Time
	)
	for _, e := range rows {
		if doc.Metadata.Title == uri && len(e.Document.Title) > 0 && strings.TrimSpace(e.Document.Title[0]) != "" {
			doc.Metadata.Title = strings.TrimSpace(e.Document.Title[0])
		}
		if e.Updated.After(lastSeen) {
			lastSeen = e.Updated
		}

		a := toAnnotation(e, activeUser)
		if a.ReplyTo != "" {
			if _, ok := ids[a.ReplyTo]; !ok {
				a.ReplyTo = ""
			}
		}

		if _, quoted := e.Quote(); !quoted && len(e.References) == 0 {
			switch {
			case pageNote == nil:
				pageNote = &a
				continue
			case a.Updated.After(pageNote.Updated):
				doc.Annotations = append(doc.Annotations, *pageNote)
				pageNote = &a
				continue
			}
		}
		doc.Annotations = append(doc.Annotations, a)
	}
	doc.PageNote = pageNote
	if !lastSeen.IsZero() {
		doc.Metadata.LastAccessed = &lastSeen
	}
	return doc
}

func toAnnotation(e Entry, activeUser string) models.Annotation {
	quote, _ := e.Quote()
	a := models.Annotation{
		ID:           e.ID,
		Created:      e.Created,
		Updated:      e.Updated,
		Text:         quote,
		Incontext:    e.Links.Incontext,
		Note:         e.Text,
		Tags:         slices.Clone(e.Tags),
		Group:        e.Group,
		User:         accountName(e.User),
		ByActiveUser: activeUser != "" && e.User == activeUser,
		State:        models.StateRemoteOnly,
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if n := len(e.References); n > 0 {
		a.ReplyTo = e.References[n-1]
	}
	return a
}

// accountName reduces "acct:name@host" to "name".
func accountName(user string) string {
	name := strings.TrimPrefix(user, "acct:")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}
