package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/margin/internal/apperr"
)

// DocumentRow represents a row in the documents table.
type DocumentRow struct {
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Checksum    string    `json:"checksum"`
	Annotations int       `json:"annotations"`
	LocalOnly   int       `json:"local_only"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AnnotationRow is one annotation block of an indexed document.
type AnnotationRow struct {
	ID    string   `json:"id,omitempty"`
	Quote string   `json:"quote"`
	Note  string   `json:"note"`
	Tags  []string `json:"tags"`
	State string   `json:"state"`
}

// SearchResult represents one search hit.
type SearchResult struct {
	Path         string `json:"path"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	AnnotationID string `json:"annotation_id,omitempty"`
	Snippet      string `json:"snippet"`
}

// UpsertDocument replaces a document, its annotations and its FTS entries
// within a transaction.
func (db *DB) UpsertDocument(d DocumentRow, anns []AnnotationRow) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO documents (path, url, title, checksum, annotations, local_only, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			url         = excluded.url,
			title       = excluded.title,
			checksum    = excluded.checksum,
			annotations = excluded.annotations,
			local_only  = excluded.local_only,
			updated_at  = excluded.updated_at
	`, d.Path, d.URL, d.Title, d.Checksum, d.Annotations, d.LocalOnly, d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("index: upsert document: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM annotations WHERE path = ?`, d.Path); err != nil {
		return fmt.Errorf("index: clear annotations: %w", err)
	}
	if len(anns) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO annotations (path, id, seq, quote, note, tags, state) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare annotation insert: %w", err)
		}
		defer stmt.Close()
		for i, a := range anns {
			tags := a.Tags
			if tags == nil {
				tags = []string{}
			}
			tagsJSON, _ := json.Marshal(tags)
			if _, err := stmt.Exec(d.Path, a.ID, i, a.Quote, a.Note, string(tagsJSON), a.State); err != nil {
				return fmt.Errorf("index: insert annotation: %w", err)
			}
		}
	}

	// No-op when the FTS5 tag is absent.
	if err := ftsUpsert(tx, d.Path, d.Title, anns); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteDocument removes a document with its annotations and FTS entries.
func (db *DB) DeleteDocument(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, path)
	_, _ = tx.Exec(`DELETE FROM annotations WHERE path = ?`, path)
	_, _ = tx.Exec(`DELETE FROM documents WHERE path = ?`, path)

	return tx.Commit()
}

// GetChecksum returns the stored checksum for a document, or empty string if not found.
func (db *DB) GetChecksum(path string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM documents WHERE path = ?`, path).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: get checksum: %w", err)
	}
	return cs, nil
}

// AllChecksums returns path -> checksum for every indexed document.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// GetDocument returns one document row or apperr.ErrNotFound.
func (db *DB) GetDocument(path string) (*DocumentRow, error) {
	var d DocumentRow
	err := db.conn.QueryRow(`
		SELECT path, url, title, checksum, annotations, local_only, updated_at
		FROM documents WHERE path = ?
	`, path).Scan(&d.Path, &d.URL, &d.Title, &d.Checksum, &d.Annotations, &d.LocalOnly, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get document: %w", err)
	}
	return &d, nil
}

// DocumentAnnotations returns the annotations of a document in file order.
func (db *DB) DocumentAnnotations(path string) ([]AnnotationRow, error) {
	rows, err := db.conn.Query(`
		SELECT id, quote, note, tags, state FROM annotations WHERE path = ? ORDER BY seq
	`, path)
	if err != nil {
		return nil, fmt.Errorf("index: document annotations: %w", err)
	}
	defer rows.Close()

	out := []AnnotationRow{}
	for rows.Next() {
		var a AnnotationRow
		var tags string
		if err := rows.Scan(&a.ID, &a.Quote, &a.Note, &tags, &a.State); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tags), &a.Tags)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDocuments returns a page of documents and the total count. A non-empty
// state keeps only documents holding at least one annotation in that state.
// sort is "title" or "updated" (default, newest first).
func (db *DB) ListDocuments(limit, offset int, state, sort string) ([]DocumentRow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	var args []any
	if state != "" {
		where = `WHERE EXISTS (SELECT 1 FROM annotations a WHERE a.path = documents.path AND a.state = ?)`
		args = append(args, state)
	}
	order := "updated_at DESC, path"
	if sort == "title" {
		order = "title COLLATE NOCASE, path"
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count documents: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT path, url, title, checksum, annotations, local_only, updated_at
		FROM documents `+where+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list documents: %w", err)
	}
	defer rows.Close()

	out := []DocumentRow{}
	for rows.Next() {
		var d DocumentRow
		if err := rows.Scan(&d.Path, &d.URL, &d.Title, &d.Checksum, &d.Annotations, &d.LocalOnly, &d.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// StateCounts returns the number of indexed annotations per state.
func (db *DB) StateCounts() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT state, count(*) FROM annotations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("index: state counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}
