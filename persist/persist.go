// Package persist writes canonical records to a store in bounded batches,
// retrying the records the store reports as unprocessed.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/internal/httputil"
)

// Defaults for Config.
const (
	DefaultMaxRetries = 5
	DefaultRetryUnit  = time.Second
	DefaultTimeout    = time.Minute
)

var (
	tracer = otel.Tracer("github.com/vulnsentinel/vulnsync/persist")

	recordCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "persist",
		Name:      "records_total",
		Help:      "Records handled by the persister, by outcome.",
	}, []string{"outcome"})
	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "persist",
		Name:      "batch_retries_total",
		Help:      "Resubmissions of unprocessed records.",
	})
)

// OnDrop selects what happens when records are still unprocessed after the
// last retry.
type OnDrop string

const (
	// DropContinue logs the dropped records and moves on to the next batch.
	DropContinue OnDrop = "continue"
	// DropFail stops and reports an error.
	DropFail OnDrop = "fail"
)

// UnmarshalText implements [encoding.TextUnmarshaler].
func (o *OnDrop) UnmarshalText(b []byte) error {
	switch v := OnDrop(strings.ToLower(string(b))); v {
	case DropContinue, DropFail:
		*o = v
		return nil
	}
	return fmt.Errorf("persist: unknown drop policy %q", string(b))
}

// Config is the configuration for a Persister.
type Config struct {
	BatchSize  *int               `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxRetries *int               `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryUnit  *vulnsync.Duration `json:"retry_unit" yaml:"retry_unit" toml:"retry_unit"`
	Timeout    *vulnsync.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	OnDrop     *OnDrop            `json:"on_drop" yaml:"on_drop" toml:"on_drop"`
}

// Result counts the outcome of a Persist call.
type Result struct {
	Written int
	Dropped int
	Batches int
}

// Persister writes records through a datastore.Store.
type Persister struct {
	store   datastore.Store
	size    int
	retries int
	unit    time.Duration
	timeout time.Duration
	onDrop  OnDrop
}

// New returns a Persister writing to s. A nil cfg uses the defaults: batches
// of datastore.MaxBatchSize, five retries spaced by one second times the
// attempt number, and DropContinue.
func New(s datastore.Store, cfg *Config) (*Persister, error) {
	const op = `persist.New`
	if s == nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "nil store"}
	}
	if cfg == nil {
		cfg = new(Config)
	}
	p := Persister{
		store:   s,
		size:    datastore.MaxBatchSize,
		retries: DefaultMaxRetries,
		unit:    DefaultRetryUnit,
		timeout: DefaultTimeout,
		onDrop:  DropContinue,
	}
	if cfg.BatchSize != nil {
		if n := *cfg.BatchSize; n < 1 || n > datastore.MaxBatchSize {
			return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: fmt.Sprintf("batch size %d not in [1, %d]", n, datastore.MaxBatchSize)}
		}
		p.size = *cfg.BatchSize
	}
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "negative retry count"}
		}
		p.retries = *cfg.MaxRetries
	}
	if cfg.RetryUnit != nil {
		p.unit = cfg.RetryUnit.Std()
	}
	if cfg.Timeout != nil {
		p.timeout = cfg.Timeout.Std()
	}
	if cfg.OnDrop != nil {
		p.onDrop = *cfg.OnDrop
	}
	return &p, nil
}

// Persist writes rs in order, one batch at a time, and reports how many
// records the store confirmed.
//
// Records still unprocessed after the last retry, or in a batch the store
// failed outright, are dropped: logged and counted in Result.Dropped. With
// DropFail the first drop ends the call with an error; batches already
// written stay written. An error is also returned if ctx is done.
func (p *Persister) Persist(ctx context.Context, rs []vulnsync.Record) (Result, error) {
	ctx, span := tracer.Start(ctx, "Persist")
	defer span.End()
	var res Result
	for batch := range slices.Chunk(rs, p.size) {
		res.Batches++
		left, err := p.batch(ctx, batch)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok := len(batch) - len(left)
		res.Written += ok
		res.Dropped += len(left)
		recordCounter.WithLabelValues("written").Add(float64(ok))
		if len(left) == 0 {
			continue
		}
		recordCounter.WithLabelValues("dropped").Add(float64(len(left)))
		ids := make([]string, len(left))
		for i := range left {
			ids[i] = left[i].ID
		}
		slog.WarnContext(ctx, "dropping unprocessed records",
			"batch", res.Batches,
			"count", len(left),
			"cves", ids,
			"reason", err)
		if p.onDrop == DropFail {
			return res, &vulnsync.Error{
				Op:      `persist.Persist`,
				Kind:    vulnsync.ErrInternal,
				Message: fmt.Sprintf("%d records unprocessed in batch %d", len(left), res.Batches),
				Inner:   err,
			}
		}
	}
	span.SetAttributes(
		attribute.Int("records.written", res.Written),
		attribute.Int("records.dropped", res.Dropped))
	return res, nil
}

// batch submits one batch and resubmits whatever the store hands back,
// waiting attempt × unit before each retry. It returns the records never
// applied and, if the store failed, the error that stopped it.
func (p *Persister) batch(ctx context.Context, batch []vulnsync.Record) ([]vulnsync.Record, error) {
	pending := batch
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			retryCounter.Inc()
			wait := time.Duration(attempt) * p.unit
			slog.DebugContext(ctx, "retrying unprocessed records",
				"attempt", attempt,
				"count", len(pending),
				"wait", wait)
			if err := httputil.Sleep(ctx, wait); err != nil {
				return pending, err
			}
		}
		left, err := p.put(ctx, pending)
		if err != nil {
			return pending, err
		}
		pending = left
		if len(pending) == 0 || attempt == p.retries {
			return pending, nil
		}
	}
}

func (p *Persister) put(ctx context.Context, rs []vulnsync.Record) ([]vulnsync.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.PutRecords(ctx, rs)
}
