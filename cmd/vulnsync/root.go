package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/quay/claircore/toolkit/log"
	"github.com/spf13/cobra"

	"github.com/vulnsentinel/vulnsync/pkg/telemetry"
)

// cli holds the state shared by the subcommands.
type cli struct {
	configPath string
	dsn        string
	logLevel   string
	logFormat  string

	cfg  *config
	otel *telemetry.Provider
	// shutdown flushes telemetry. It is set once the root command's
	// pre-run hook has run.
	shutdown func(context.Context) error
}

// execute runs root and then flushes telemetry, whether or not the command
// failed.
func (c *cli) execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if c.shutdown != nil {
		err = errors.Join(err, c.shutdown(context.WithoutCancel(ctx)))
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vulnsync",
		Short: "Synchronize NVD vulnerabilities enriched with CISA KEV into a store",
		Long: `vulnsync pulls CVE records from the NVD CVE API 2.0 in publication date
windows, marks the ones present in the CISA Known Exploited Vulnerabilities
catalog, and upserts the normalized records into PostgreSQL or sqlite.

Configuration is read from a YAML or TOML file, then overridden by the
NVD_API_KEY and VULNSYNC_DSN environment variables, then by flags.

Examples:
  # Sync the last two years into a local sqlite file
  vulnsync --dsn vulnsync.db run

  # Backfill 2021 into PostgreSQL
  vulnsync --dsn postgres://localhost/vulnsync run --since 2021-01-01 --until 2021-12-31

  # Sync daily and accept POST /sync
  vulnsync --config vulnsync.yaml serve --listen :8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if c.otel, err = telemetry.Setup(cmd.Context(), "vulnsync"); err != nil {
				return err
			}
			c.shutdown = c.otel.Shutdown
			if err := setupLogging(os.Stderr, c.logLevel, c.logFormat, c.otel.LogHandler()); err != nil {
				return err
			}
			cfg, err := loadConfig(c.configPath)
			if err != nil {
				return err
			}
			cfg.applyEnv(os.LookupEnv)
			if c.dsn != "" {
				cfg.DSN = c.dsn
			}
			c.cfg = cfg
			return nil
		},
	}
	fs := root.PersistentFlags()
	fs.StringVarP(&c.configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")
	fs.StringVar(&c.dsn, "dsn", "", "store connection string (overrides VULNSYNC_DSN)")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "text", "log format: text, json")

	root.AddCommand(
		c.runCmd(),
		c.serveCmd(),
		c.getCmd(),
		c.statusCmd(),
	)
	return root
}

// setupLogging installs the default logger. Records also go to extra, if
// non-nil.
func setupLogging(w io.Writer, level, format string, extra slog.Handler) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("bad log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("bad log format: %q", format)
	}
	if extra != nil {
		h = fanout{h, &leveled{Handler: extra, level: lv}}
	}
	slog.SetDefault(slog.New(log.WrapHandler(h)))
	return nil
}

// fanout sends every record to all of its handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// leveled applies a minimum level to a handler that has none of its own.
type leveled struct {
	slog.Handler
	level slog.Level
}

func (l *leveled) Enabled(ctx context.Context, lv slog.Level) bool {
	return lv >= l.level && l.Handler.Enabled(ctx, lv)
}

func (l *leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveled{Handler: l.Handler.WithAttrs(attrs), level: l.level}
}

func (l *leveled) WithGroup(name string) slog.Handler {
	return &leveled{Handler: l.Handler.WithGroup(name), level: l.level}
}
