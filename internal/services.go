package internal

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/hypothesis"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/render"
	"github.com/starford/margin/internal/storage"
	"github.com/starford/margin/internal/syncer"
	"github.com/starford/margin/internal/vault"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// newLogger initializes the structured JSON logger and makes it the default.
func (a *application) newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// services is the wired dependency graph shared by every command.
type services struct {
	store  *storage.FS
	db     *index.DB
	vault  *vault.Vault
	remote *hypothesis.Client
	orch   *syncer.Orchestrator
	docs   *docservice.Service
}

func newServices(cfg *Config, logger *slog.Logger, reporters ...syncer.Reporter) (*services, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	renderer, err := newRenderer(cfg.Render)
	if err != nil {
		return nil, err
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	v := vault.New(store, renderer, vault.Options{
		HighlightsFolder: cfg.Vault.HighlightsFolder,
		UseDomainFolders: cfg.Vault.UseDomainFolders,
	}, logger)
	remote := hypothesis.New(cfg.Hypothesis.ClientConfig(logger))

	reporter := syncer.MultiReporter{syncer.LogReporter{Logger: logger}}
	reporter = append(reporter, reporters...)

	orch := syncer.New(remote, v, db,
		syncer.WithLogger(logger),
		syncer.WithReporter(reporter),
		syncer.WithUploadConcurrency(cfg.Sync.UploadConcurrency),
	)

	return &services{
		store:  store,
		db:     db,
		vault:  v,
		remote: remote,
		orch:   orch,
		docs:   docservice.NewService(store, db),
	}, nil
}

func newRenderer(cfg RenderConfig) (*render.Renderer, error) {
	opts := render.Options{DateFormat: cfg.DateFormat}
	if cfg.MetadataTemplate != "" {
		data, err := os.ReadFile(cfg.MetadataTemplate)
		if err != nil {
			return nil, fmt.Errorf("read metadata template: %w", err)
		}
		opts.MetadataTemplate = string(data)
	}
	r, err := render.New(opts)
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}
	return r, nil
}

func (s *services) Close() error {
	return s.db.Close()
}
