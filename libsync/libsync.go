// Package libsync runs the vulnerability sync: it fetches the KEV catalog,
// walks NVD one publication window at a time, builds canonical records and
// persists them.
package libsync

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/claircore/toolkit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/enricher/kev"
	"github.com/vulnsentinel/vulnsync/nvd"
	"github.com/vulnsentinel/vulnsync/persist"
	"github.com/vulnsentinel/vulnsync/record"
	"github.com/vulnsentinel/vulnsync/window"
)

var (
	tracer = otel.Tracer("github.com/vulnsentinel/vulnsync/libsync")

	runCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs, by outcome.",
	}, []string{"success"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vulnsync",
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Duration of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
)

// Syncer is the sync orchestrator.
//
// A Syncer holds no per-run state; callers serialize runs.
type Syncer struct {
	store    datastore.Store
	nvd      *nvd.Client
	kev      *kev.Fetcher
	persist  *persist.Persister
	size     int
	lookback int
	interval time.Duration
	since    time.Time
	until    time.Time
	now      func() time.Time
}

// New returns a Syncer ready to have Run or Start called.
func New(ctx context.Context, opts *Options) (*Syncer, error) {
	const op = `libsync.New`
	ctx = log.With(ctx, "component", "libsync/New")
	if opts == nil || opts.Store == nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "store is required"}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = new(Config)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	s := Syncer{
		store:    opts.Store,
		size:     window.DefaultSize,
		lookback: DefaultLookbackYears,
		interval: DefaultInterval,
		since:    opts.Since,
		until:    opts.Until,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.WindowDays != nil {
		s.size = *cfg.WindowDays
	}
	if cfg.LookbackYears != nil {
		if *cfg.LookbackYears < 1 {
			return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "lookback must be at least one year"}
		}
		s.lookback = *cfg.LookbackYears
	}
	if cfg.Interval != nil {
		s.interval = cfg.Interval.Std()
	}
	if !s.since.IsZero() && !s.until.IsZero() && s.since.After(s.until) {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "since is after until"}
	}

	var err error
	if s.nvd, err = nvd.NewClient(client, cfg.NVD); err != nil {
		return nil, err
	}
	if s.kev, err = kev.NewFetcher(client, cfg.KEV); err != nil {
		return nil, err
	}
	if s.persist, err = persist.New(s.store, cfg.Persist); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "syncer configured",
		"window_days", s.size,
		"lookback_years", s.lookback,
		"interval", s.interval)
	return &s, nil
}

// span reports the calendar span a run started at t covers.
func (s *Syncer) span(t time.Time) (start, end time.Time) {
	end = vulnsync.Day(t)
	if !s.until.IsZero() {
		end = vulnsync.Day(s.until)
	}
	start = end.AddDate(-s.lookback, 0, 0)
	if !s.since.IsZero() {
		start = vulnsync.Day(s.since)
	}
	return start, end
}

// Run performs one complete sync.
//
// The KEV catalog is fetched once, then each window is fetched, built and
// persisted in order. Any fetch failure, or a drop under persist.DropFail,
// ends the run with an error; windows already persisted stay written.
func (s *Syncer) Run(ctx context.Context) (_ *vulnsync.RunSummary, err error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()
	sum := vulnsync.RunSummary{RunID: uuid.New()}
	ctx = log.With(ctx,
		"component", "libsync/Syncer.Run",
		"run_id", sum.RunID)
	begin := time.Now()
	defer func() {
		sum.SetDuration(time.Since(begin))
		runDuration.Observe(sum.Duration.Seconds())
		runCounter.WithLabelValues(successLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync failed")
		}
		s.recordStatus(ctx, &sum, err)
	}()

	start, end := s.span(s.now())
	ws := window.Plan(start, end, s.size)
	sum.Windows = len(ws)
	span.SetAttributes(
		attribute.String("span.start", start.Format(vulnsync.DateLayout)),
		attribute.String("span.end", end.Format(vulnsync.DateLayout)),
		attribute.Int("windows", len(ws)))
	slog.InfoContext(ctx, "starting sync",
		"start", start.Format(vulnsync.DateLayout),
		"end", end.Format(vulnsync.DateLayout),
		"windows", len(ws))

	cat, err := s.kev.Fetch(ctx)
	if err != nil {
		return nil, &vulnsync.Error{Op: `libsync.Run`, Kind: vulnsync.ErrPermanent, Message: "unable to fetch KEV catalog", Inner: err}
	}
	slog.InfoContext(ctx, "loaded KEV catalog", "entries", len(cat))

	for i, w := range ws {
		if err := s.window(ctx, w, cat, &sum); err != nil {
			return nil, &vulnsync.Error{
				Op:      `libsync.Run`,
				Kind:    vulnsync.ErrPermanent,
				Message: "window " + w.String() + " failed",
				Inner:   err,
			}
		}
		slog.DebugContext(ctx, "window done",
			"window", w.String(),
			"index", i+1,
			"processed", sum.Processed,
			"written", sum.Written)
	}

	slog.InfoContext(ctx, "sync complete",
		"processed", sum.Processed,
		"written", sum.Written,
		"dropped", sum.Dropped,
		"kev_matches", sum.EnrichmentMatches,
		"duration", time.Since(begin))
	return &sum, nil
}

func (s *Syncer) window(ctx context.Context, w vulnsync.DateWindow, cat kev.Catalog, sum *vulnsync.RunSummary) error {
	ctx, span := tracer.Start(ctx, "Window")
	defer span.End()
	span.SetAttributes(attribute.String("window", w.String()))
	ctx = log.With(ctx, "window", w.String())

	cves, err := s.nvd.FetchWindow(ctx, w)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return err
	}
	rs := make([]vulnsync.Record, len(cves))
	for i := range cves {
		rs[i] = record.Build(&cves[i], cat)
		if rs[i].IsKEV {
			sum.EnrichmentMatches++
		}
	}
	sum.Processed += len(rs)

	res, err := s.persist.Persist(ctx, rs)
	sum.Written += res.Written
	sum.Dropped += res.Dropped
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return err
	}
	return nil
}

func (s *Syncer) recordStatus(ctx context.Context, sum *vulnsync.RunSummary, runErr error) {
	sr, ok := s.store.(datastore.StatusRecorder)
	if !ok {
		return
	}
	st := datastore.SyncStatus{
		RunID:    sum.RunID,
		Finished: time.Now().UTC(),
		Written:  sum.Written,
		Dropped:  sum.Dropped,
	}
	if runErr != nil {
		st.LastError = runErr.Error()
	}
	// The run's context may already be canceled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sr.RecordSyncStatus(ctx, &st); err != nil {
		slog.WarnContext(ctx, "unable to record sync status", "reason", err)
	}
}

// Start runs a sync immediately and then on every configured interval until
// ctx is canceled. See the package-level Start.
func (s *Syncer) Start(ctx context.Context) error {
	return Start(ctx, s.interval, s)
}

// Interval reports the period used by Start.
func (s *Syncer) Interval() time.Duration { return s.interval }

func successLabel(err error) string {
	if err != nil {
		return "false"
	}
	return "true"
}
