package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/syncer"
)

const (
	keyLastSync       = "last_sync"
	keyLastLocalScan  = "last_local_scan"
	keyTotalDocuments = "total_documents"
	keyTotalAnnots    = "total_annotations"
)

// Totals are the cumulative counters over every recorded session.
type Totals struct {
	Documents   int `json:"documents"`
	Annotations int `json:"annotations"`
}

var _ syncer.StateStore = (*DB)(nil)

func (db *DB) getTime(ctx context.Context, key string) (time.Time, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("index: read %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("index: parse %s: %w", key, err)
	}
	return t, nil
}

func (db *DB) setTime(ctx context.Context, key string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("index: write %s: %w", key, err)
	}
	return nil
}

// LastSync returns the start time of the last completed full session, or
// the zero time if none ran yet.
func (db *DB) LastSync(ctx context.Context) (time.Time, error) {
	return db.getTime(ctx, keyLastSync)
}

// SetLastSync records the incremental fetch watermark.
func (db *DB) SetLastSync(ctx context.Context, t time.Time) error {
	return db.setTime(ctx, keyLastSync, t)
}

// LastLocalScan returns the start time of the last local-edit session.
func (db *DB) LastLocalScan(ctx context.Context) (time.Time, error) {
	return db.getTime(ctx, keyLastLocalScan)
}

// SetLastLocalScan records the local-edit watermark.
func (db *DB) SetLastLocalScan(ctx context.Context, t time.Time) error {
	return db.setTime(ctx, keyLastLocalScan, t)
}

// ResetLastSync clears the watermark so the next full session refetches
// everything.
func (db *DB) ResetLastSync(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key IN (?, ?)`, keyLastSync, keyLastLocalScan)
	if err != nil {
		return fmt.Errorf("index: reset last sync: %w", err)
	}
	return nil
}

// SelectedGroups records the groups the account currently belongs to and
// returns the ids of those selected. Groups seen for the first time are
// selected.
func (db *DB) SelectedGroups(ctx context.Context, available []models.Group) ([]string, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO remote_groups (id, name, type, public, seen_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name    = excluded.name,
			type    = excluded.type,
			public  = excluded.public,
			seen_at = excluded.seen_at
	`)
	if err != nil {
		return nil, fmt.Errorf("index: prepare group upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, g := range available {
		if _, err := stmt.ExecContext(ctx, g.ID, g.Name, g.Type, g.Public, now); err != nil {
			return nil, fmt.Errorf("index: upsert group %s: %w", g.ID, err)
		}
	}

	selected := []string{}
	for _, g := range available {
		var on bool
		if err := tx.QueryRowContext(ctx, `SELECT selected FROM remote_groups WHERE id = ?`, g.ID).Scan(&on); err != nil {
			return nil, fmt.Errorf("index: read group %s: %w", g.ID, err)
		}
		if on {
			selected = append(selected, g.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("index: commit groups: %w", err)
	}
	return selected, nil
}

// Groups lists every known group with its selection flag.
func (db *DB) Groups(ctx context.Context) ([]models.Group, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, type, public, selected FROM remote_groups ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("index: list groups: %w", err)
	}
	defer rows.Close()

	out := []models.Group{}
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &g.Public, &g.Selected); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGroupSelected toggles whether a known group takes part in syncing.
func (db *DB) SetGroupSelected(ctx context.Context, id string, selected bool) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE remote_groups SET selected = ? WHERE id = ?`, selected, id)
	if err != nil {
		return fmt.Errorf("index: select group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: group %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// RecordSession appends a session to the history and adds its counts to the
// cumulative totals.
func (db *DB) RecordSession(ctx context.Context, r *syncer.Report) error {
	jobs, err := json.Marshal(r.Jobs)
	if err != nil {
		return fmt.Errorf("index: encode jobs: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, target, started_at, finished_at, new_documents,
		                      updated_documents, annotations, errored, pushed, push_failed, jobs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, string(r.Kind), r.Target, r.Started.UTC(), r.Finished.UTC(), r.NewDocuments,
		r.UpdatedDocuments, r.Annotations, r.Errored, r.Pushed, r.PushFailed, string(jobs))
	if err != nil {
		return fmt.Errorf("index: insert session: %w", err)
	}

	if err := addCounter(ctx, tx, keyTotalDocuments, r.NewDocuments); err != nil {
		return err
	}
	if err := addCounter(ctx, tx, keyTotalAnnots, r.Annotations); err != nil {
		return err
	}
	return tx.Commit()
}

func addCounter(ctx context.Context, tx *sql.Tx, key string, n int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + ? AS TEXT)
	`, key, strconv.Itoa(n), n)
	if err != nil {
		return fmt.Errorf("index: update %s: %w", key, err)
	}
	return nil
}

// Totals returns the cumulative counters.
func (db *DB) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	for key, dst := range map[string]*int{keyTotalDocuments: &t.Documents, keyTotalAnnots: &t.Annotations} {
		var v string
		err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Totals{}, fmt.Errorf("index: read %s: %w", key, err)
		}
		*dst, _ = strconv.Atoi(v)
	}
	return t, nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]syncer.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, target, started_at, finished_at, new_documents, updated_documents,
		       annotations, errored, pushed, push_failed, jobs
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: list sessions: %w", err)
	}
	defer rows.Close()

	out := []syncer.Report{}
	for rows.Next() {
		var r syncer.Report
		var kind, jobs string
		if err := rows.Scan(&r.SessionID, &kind, &r.Target, &r.Started, &r.Finished, &r.NewDocuments,
			&r.UpdatedDocuments, &r.Annotations, &r.Errored, &r.Pushed, &r.PushFailed, &jobs); err != nil {
			return nil, err
		}
		r.Kind = syncer.Kind(kind)
		if err := json.Unmarshal([]byte(jobs), &r.Jobs); err != nil {
			return nil, fmt.Errorf("index: decode jobs of %s: %w", r.SessionID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
