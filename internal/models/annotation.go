// Package models defines the domain types for margin.
package models

import "time"

// Annotation is a single highlight or page note attached to a document.
type Annotation struct {
	ID           string    `json:"id,omitempty"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	Text         string    `json:"text"`
	Incontext    string    `json:"incontext,omitempty"`
	Note         string    `json:"note"`
	Tags         []string  `json:"tags"`
	Group        string    `json:"group,omitempty"`
	User         string    `json:"user,omitempty"`
	ByActiveUser bool      `json:"by_active_user"`
	ReplyTo      string    `json:"reply_to,omitempty"`
	State        State     `json:"state"`
}

// Metadata describes the source a document was annotated on.
type Metadata struct {
	Author       string     `json:"author"`
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// Document groups one source's metadata and its annotations.
// PageNote is the distinguished document-level note; it has an empty ID
// when the remote side holds none.
type Document struct {
	URI         string       `json:"uri"`
	Metadata    Metadata     `json:"metadata"`
	Annotations []Annotation `json:"annotations"`
	PageNote    *Annotation  `json:"page_note,omitempty"`
}

// LocalAnnotation is what can be recovered for an annotation by parsing
// a stored document. Created and Updated are the remote timestamps last
// written to the block, zero when absent; edits are dated by the snapshot.
type LocalAnnotation struct {
	ID      string    `json:"id,omitempty"`
	Text    string    `json:"text"`
	Note    string    `json:"note"`
	Tags    []string  `json:"tags"`
	ReplyTo string    `json:"reply_to,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	State   State     `json:"state"`
}

// LocalSnapshot is the reduced view of a document parsed from storage.
// Updated is the storage modification time of the whole document.
type LocalSnapshot struct {
	URI         string            `json:"uri"`
	Path        string            `json:"path"`
	Title       string            `json:"title,omitempty"`
	Annotations []LocalAnnotation `json:"annotations"`
	PageNote    *LocalAnnotation  `json:"page_note,omitempty"`
	Updated     time.Time         `json:"updated"`
}

// Group is a remote annotation group the user belongs to.
type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Public   bool   `json:"public"`
	Selected bool   `json:"selected"`
}

// Profile identifies the authenticated remote account.
type Profile struct {
	UserID string `json:"userid"`
}

// Thread returns a parent id → replies lookup over a flat annotation set.
// Replies whose parent is not in the set are listed under "".
func Thread(annotations []Annotation) map[string][]Annotation {
	ids := make(map[string]struct{}, len(annotations))
	for _, a := range annotations {
		if a.ID != "" {
			ids[a.ID] = struct{}{}
		}
	}
	out := make(map[string][]Annotation)
	for _, a := range annotations {
		parent := a.ReplyTo
		if _, ok := ids[parent]; !ok {
			parent = ""
		}
		out[parent] = append(out[parent], a)
	}
	return out
}
