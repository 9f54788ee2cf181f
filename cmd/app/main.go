package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/margin/internal"
	"github.com/starford/margin/internal/syncer"
	pkgconfig "github.com/starford/margin/pkg/config"
)

var version = "dev"

func options(cmd *cli.Command, extra ...internal.Option) ([]internal.Option, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}
	return append(opts, extra...), nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func syncCmd(local bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		opts, err := options(cmd, internal.WithLogOutput(os.Stderr))
		if err != nil {
			return err
		}
		report, err := internal.SyncOnce(ctx, internal.SyncRequest{
			URI:   cmd.String("uri"),
			Local: local,
			Full:  cmd.Bool("full"),
		}, opts...)
		if err != nil {
			return err
		}
		if cmd.Bool("json") {
			return printJSON(out(cmd), report)
		}
		printReport(out(cmd), report)
		if report.Errored > 0 {
			return fmt.Errorf("%d of %d documents failed", report.Errored, len(report.Jobs))
		}
		return nil
	}
}

func status(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd, internal.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	s, err := internal.ReadSummary(ctx, int(cmd.Int("sessions")), opts...)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), s)
	}

	w := out(cmd)
	fmt.Fprintf(w, "Last sync:        %s\n", ago(s.LastSync))
	fmt.Fprintf(w, "Last local scan:  %s\n", ago(s.LastLocalScan))
	fmt.Fprintf(w, "Documents synced: %s\n", humanize.Comma(int64(s.Totals.Documents)))
	fmt.Fprintf(w, "Annotations:      %s\n", humanize.Comma(int64(s.Totals.Annotations)))
	for _, state := range slices.Sorted(maps.Keys(s.States)) {
		fmt.Fprintf(w, "  %-16s %d\n", state, s.States[state])
	}
	if len(s.Sessions) > 0 {
		fmt.Fprintln(w, "\nRecent sessions:")
		for _, r := range s.Sessions {
			fmt.Fprintf(w, "  %s  %-5s  %d new, %d updated, %d annotations, %d errored\n",
				humanize.Time(r.Started), r.Kind, r.NewDocuments, r.UpdatedDocuments, r.Annotations, r.Errored)
		}
	}
	return nil
}

func groups(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd, internal.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	if id := cmd.String("select"); id != "" {
		if err := internal.SelectGroup(ctx, id, true, opts...); err != nil {
			return err
		}
	}
	if id := cmd.String("deselect"); id != "" {
		if err := internal.SelectGroup(ctx, id, false, opts...); err != nil {
			return err
		}
	}
	list, err := internal.Groups(ctx, cmd.Bool("refresh"), opts...)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out(cmd), "no groups known yet; run a sync or pass --refresh")
		return nil
	}
	for _, g := range list {
		mark := " "
		if g.Selected {
			mark = "x"
		}
		fmt.Fprintf(out(cmd), "[%s] %-12s %s (%s)\n", mark, g.ID, g.Name, g.Type)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the protocol.
	opts, err := options(cmd, internal.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, opts...)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", humanize.Time(t), t.Local().Format(time.DateTime))
}

func printReport(w io.Writer, r *syncer.Report) {
	fmt.Fprintf(w, "Synced %d documents in %s: %d new, %d updated, %d annotations\n",
		len(r.Jobs), r.Finished.Sub(r.Started).Round(time.Millisecond),
		r.NewDocuments, r.UpdatedDocuments, r.Annotations)
	if r.Pushed > 0 || r.PushFailed > 0 {
		fmt.Fprintf(w, "Pushed %d local edits, %d failed\n", r.Pushed, r.PushFailed)
	}
	for _, j := range r.Jobs {
		if j.Status == syncer.JobErrored {
			fmt.Fprintf(w, "  failed: %s (%s): %s\n", j.Title, j.URI, j.Error)
		}
	}
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Print machine-readable output"}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cmd := &cli.Command{
		Name:    "margin",
		Usage:   "Two-way sync between Hypothesis annotations and a Markdown vault",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, event stream and vault watcher",
				Action: serve,
			},
			{
				Name:   "sync",
				Usage:  "Fetch remote changes and reconcile them into the vault",
				Action: syncCmd(false),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "uri", Usage: "Only synchronize annotations on this source URL"},
					&cli.BoolFlag{Name: "full", Usage: "Ignore the last sync time and refetch everything"},
					jsonFlag(),
				},
			},
			{
				Name:   "sync-local",
				Usage:  "Re-synchronize documents edited in the vault since the last sync",
				Action: syncCmd(true),
				Flags:  []cli.Flag{jsonFlag()},
			},
			{
				Name:   "status",
				Usage:  "Show watermarks, totals and recent sessions",
				Action: status,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "sessions", Usage: "Number of recent sessions to list", Value: 5},
					jsonFlag(),
				},
			},
			{
				Name:   "groups",
				Usage:  "List annotation groups and choose which ones are synchronized",
				Action: groups,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "refresh", Usage: "Fetch the group list from the annotation service"},
					&cli.StringFlag{Name: "select", Usage: "Group id to include"},
					&cli.StringFlag{Name: "deselect", Usage: "Group id to exclude"},
					jsonFlag(),
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: mcp,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
