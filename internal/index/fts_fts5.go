//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS annotations_fts USING fts5(
			path UNINDEXED,
			id UNINDEXED,
			title,
			quote,
			note,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, path, title string, anns []AnnotationRow) error {
	_, _ = tx.Exec(`DELETE FROM annotations_fts WHERE path = ?`, path)
	if len(anns) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO annotations_fts (path, id, title, quote, note, tags) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare fts insert: %w", err)
	}
	defer stmt.Close()
	for _, a := range anns {
		if _, err := stmt.Exec(path, a.ID, title, a.Quote, a.Note, strings.Join(a.Tags, " ")); err != nil {
			return fmt.Errorf("index: upsert fts: %w", err)
		}
	}
	return nil
}

func ftsDelete(tx *sql.Tx, path string) {
	_, _ = tx.Exec(`DELETE FROM annotations_fts WHERE path = ?`, path)
}

// Search runs an FTS5 query over quotes, notes, tags and titles.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT f.path,
		       f.title,
		       COALESCE(d.url, ''),
		       f.id,
		       snippet(annotations_fts, -1, '<b>', '</b>', '...', 32)
		FROM annotations_fts f
		LEFT JOIN documents d ON d.path = f.path
		WHERE annotations_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
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
