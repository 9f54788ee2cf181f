package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/mcpserver"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/syncer"
)

// SyncRequest selects what a one-shot session synchronizes.
type SyncRequest struct {
	// URI limits the session to one source.
	URI string
	// Local re-synchronizes documents edited in the vault.
	Local bool
	// Full clears the watermarks first so every annotation is refetched.
	Full bool
}

// SyncOnce runs a single session and returns its report.
func SyncOnce(ctx context.Context, req SyncRequest, opts ...Option) (*syncer.Report, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	svc, err := newServices(app.config, app.newLogger())
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	if req.Full {
		if err := svc.db.ResetLastSync(ctx); err != nil {
			return nil, err
		}
	}
	if req.Local {
		return svc.orch.SyncModified(ctx)
	}
	return svc.orch.StartSync(ctx, req.URI)
}

// Summary is the persisted sync state.
type Summary struct {
	LastSync      time.Time       `json:"last_sync"`
	LastLocalScan time.Time       `json:"last_local_scan"`
	Totals        index.Totals    `json:"totals"`
	States        map[string]int  `json:"states"`
	Sessions      []syncer.Report `json:"sessions"`
}

// ReadSummary loads the watermarks, totals and the most recent sessions.
func ReadSummary(ctx context.Context, sessions int, opts ...Option) (*Summary, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	app.newLogger()
	db, err := index.Open(app.config.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}
	defer db.Close()

	var s Summary
	if s.LastSync, err = db.LastSync(ctx); err != nil {
		return nil, err
	}
	if s.LastLocalScan, err = db.LastLocalScan(ctx); err != nil {
		return nil, err
	}
	if s.Totals, err = db.Totals(ctx); err != nil {
		return nil, err
	}
	if s.States, err = db.StateCounts(); err != nil {
		return nil, err
	}
	if s.Sessions, err = db.Sessions(ctx, sessions); err != nil {
		return nil, err
	}
	return &s, nil
}

// Groups returns the known groups. With refresh, the list is first fetched
// from the annotation service.
func Groups(ctx context.Context, refresh bool, opts ...Option) ([]models.Group, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	svc, err := newServices(app.config, app.newLogger())
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	if refresh {
		available, err := svc.remote.Groups(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch groups: %w", err)
		}
		if _, err := svc.db.SelectedGroups(ctx, available); err != nil {
			return nil, err
		}
	}
	return svc.db.Groups(ctx)
}

// SelectGroup includes or excludes a known group from synchronization.
func SelectGroup(ctx context.Context, id string, selected bool, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	app.newLogger()
	db, err := index.Open(app.config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	defer db.Close()
	return db.SetGroupSelected(ctx, id, selected)
}

// ServeMCP runs the MCP server on stdin/stdout until the client disconnects.
func ServeMCP(_ context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.newLogger()
	svc, err := newServices(app.config, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := index.Sync(svc.db, svc.store, logger); err != nil {
		logger.Warn("initial index sync failed", slog.String("error", err.Error()))
	}
	return mcpserver.New(svc.docs, svc.orch, app.version).ServeStdio()
}
