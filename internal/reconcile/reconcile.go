// Package reconcile merges a remote document with a locally parsed
// snapshot into one state-tagged annotation set. It performs no I/O.
package reconcile

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/starford/margin/internal/models"
)

// Reconcile merges remote with snapshot. A nil snapshot means no local
// document exists yet.
func Reconcile(remote models.Document, snapshot *models.LocalSnapshot) models.Document {
	if snapshot == nil {
		return Merge(remote, nil, nil, time.Time{})
	}
	return Merge(remote, snapshot.Annotations, snapshot.PageNote, snapshot.Updated)
}

// Merge classifies every annotation of remote against the local set.
// localUpdated is when the local copy was last modified; the zero value
// means it never was. Neither remote nor local is mutated.
func Merge(remote models.Document, local []models.LocalAnnotation, localPageNote *models.LocalAnnotation, localUpdated time.Time) models.Document {
	out := remote
	out.Annotations = make([]models.Annotation, 0, len(remote.Annotations)+len(local))

	byID := make(map[string]models.LocalAnnotation, len(local))
	for _, l := range local {
		if l.ID != "" {
			byID[l.ID] = l
		}
	}

	seen := make(map[string]struct{}, len(remote.Annotations))
	for _, r := range remote.Annotations {
		seen[r.ID] = struct{}{}
		var counterpart *models.LocalAnnotation
		if l, ok := byID[r.ID]; ok && r.ID != "" {
			counterpart = &l
		}
		out.Annotations = append(out.Annotations, classify(r, counterpart, localUpdated))
	}

	for _, l := range local {
		if _, ok := seen[l.ID]; ok && l.ID != "" {
			continue
		}
		out.Annotations = append(out.Annotations, localOnly(l))
	}

	out.PageNote = mergePageNote(remote.PageNote, localPageNote, localUpdated)

	sort.SliceStable(out.Annotations, func(i, j int) bool {
		return out.Annotations[i].Created.After(out.Annotations[j].Created)
	})
	return out
}

// mergePageNote applies the annotation rule to the page note slot. The
// slot is matched by position, not by id: a local page note is the
// counterpart of whatever page note the remote holds. A page note has no
// quote, so local text in that slot is not compared. Without a remote page
// note, non-empty local content is local-only.
func mergePageNote(remote *models.Annotation, local *models.LocalAnnotation, localUpdated time.Time) *models.Annotation {
	if remote == nil || remote.ID == "" {
		if local != nil && !isBlank(*local) {
			pn := localOnly(*local)
			return &pn
		}
		if remote == nil {
			return nil
		}
		pn := classify(*remote, nil, localUpdated)
		return &pn
	}
	if local != nil {
		l := *local
		l.Text = remote.Text
		local = &l
	}
	pn := classify(*remote, local, localUpdated)
	return &pn
}

func isBlank(l models.LocalAnnotation) bool {
	return l.Text == "" && l.Note == "" && len(l.Tags) == 0
}

func classify(r models.Annotation, l *models.LocalAnnotation, localUpdated time.Time) models.Annotation {
	out := r
	out.Tags = slices.Clone(r.Tags)
	if l == nil {
		out.State = models.StateRemoteOnly
		return out
	}
	if SameContent(r.Text, r.Note, r.Tags, l.Text, l.Note, l.Tags) {
		out.State = models.StateSynchronized
		return out
	}
	if localUpdated.After(r.Updated) {
		out.Text = l.Text
		out.Note = l.Note
		out.Tags = slices.Clone(l.Tags)
		out.State = models.StateUpdatedLocal
		return out
	}
	out.State = models.StateUpdatedRemote
	return out
}

func localOnly(l models.LocalAnnotation) models.Annotation {
	return models.Annotation{
		ID:      l.ID,
		Created: l.Created,
		Updated: l.Updated,
		Text:    l.Text,
		Note:    l.Note,
		Tags:    slices.Clone(l.Tags),
		ReplyTo: l.ReplyTo,
		State:   models.StateLocalOnly,
	}
}

// SameContent compares text, note and the tag set of two annotations.
// Tag order and duplicates are ignored, as is whitespace the markdown
// round trip does not preserve (trailing spaces, surrounding blank lines).
func SameContent(textA, noteA string, tagsA []string, textB, noteB string, tagsB []string) bool {
	if normalize(textA) != normalize(textB) || normalize(noteA) != normalize(noteB) {
		return false
	}
	return slices.Equal(tagSet(tagsA), tagSet(tagsB))
}

func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tagSet(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Histogram counts annotations per state, page note included.
func Histogram(doc models.Document) map[models.State]int {
	out := make(map[models.State]int)
	for _, a := range doc.Annotations {
		out[a.State]++
	}
	if doc.PageNote != nil {
		out[doc.PageNote.State]++
	}
	return out
}

// Pending returns the annotations (page note included) that must be
// pushed upstream.
func Pending(doc models.Document) []models.Annotation {
	var out []models.Annotation
	for _, a := range doc.Annotations {
		if a.State.NeedsPush() {
			out = append(out, a)
		}
	}
	if doc.PageNote != nil && doc.PageNote.State.NeedsPush() {
		out = append(out, *doc.PageNote)
	}
	return out
}
