//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; search falls back to LIKE over the annotations table.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _ string, _ []AnnotationRow) error {
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

// Search performs a LIKE-based search (fallback when FTS5 is not compiled in).
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT a.path, d.title, d.url, a.id,
		       CASE WHEN a.note LIKE ? THEN substr(a.note, 1, 200) ELSE substr(a.quote, 1, 200) END
		FROM annotations a
		JOIN documents d ON d.path = a.path
		WHERE a.quote LIKE ? OR a.note LIKE ? OR a.tags LIKE ? OR d.title LIKE ?
		ORDER BY d.updated_at DESC, a.seq
		LIMIT ?
	`, like, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Title, &r.URL, &r.AnnotationID, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
