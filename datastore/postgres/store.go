package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"runtime"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/claircore/toolkit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/datastore/postgres/migrations"
	"github.com/vulnsentinel/vulnsync/internal/dbmetrics"
)

var (
	_ datastore.Store          = (*Store)(nil)
	_ datastore.StatusRecorder = (*Store)(nil)
	_ datastore.Locker         = (*Store)(nil)
)

var tracer = otel.Tracer("github.com/vulnsentinel/vulnsync/datastore/postgres")

//go:embed queries
var queries embed.FS

func loadQuery(name string) string {
	b, err := fs.ReadFile(queries, path.Join("queries", name+".sql"))
	if err != nil {
		panic("programmer error: bad query name: " + err.Error())
	}
	return string(b)
}

// Option configures NewStore.
type Option func(*storeConfig)

type storeConfig struct {
	Migrations bool
}

// WithMigrations runs any outstanding schema migrations on construction.
func WithMigrations(c *storeConfig) { c.Migrations = true }

// Store is a datastore.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store using pool. The Store does not take ownership of
// the pool.
func NewStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	var cfg storeConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Migrations {
		if err := migrations.Apply(ctx, pool); err != nil {
			return nil, &vulnsync.Error{
				Op:      `datastore/postgres.NewStore`,
				Kind:    vulnsync.ErrPrecondition,
				Message: "unable to apply migrations",
				Inner:   err,
			}
		}
	}
	return &Store{pool: pool}, nil
}

// method sets up the span, log context, and query metrics for an exported
// method. The returned function must be deferred.
func (s *Store) method(ctx context.Context, err *error) (context.Context, func()) {
	pc, _, _, _ := runtime.Caller(1)
	n := runtime.FuncForPC(pc).Name()
	name := n[strings.LastIndexByte(n, '.')+1:]
	ctx = log.With(ctx, "component", "datastore/postgres/Store."+name)
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "postgresql")))
	done := dbmetrics.Observe("postgres", strings.ToLower(name), err)
	return ctx, func() {
		done()
		if *err != nil {
			*err = fmt.Errorf("postgres: %s: %w", name, *err)
			span.RecordError(*err)
			span.SetStatus(codes.Error, "method error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func args(r *vulnsync.Record) []any {
	refs := r.References
	if refs == nil {
		refs = []string{}
	}
	return []any{
		r.ID,                      // $1
		r.Vendor,                  // $2
		r.Product,                 // $3
		r.CWEID,                   // $4
		r.CWEName,                 // $5
		r.CVSSScore,               // $6
		r.CVSSSeverity.String(),   // $7
		r.IsKEV.String(),          // $8
		r.KEVDateAdded,            // $9
		r.KEVDueDate,              // $10
		string(r.KnownRansomware), // $11
		r.Description,             // $12
		r.PublishedDate,           // $13
		r.LastModifiedDate,        // $14
		refs,                      // $15
	}
}

// PutRecord implements datastore.Store.
func (s *Store) PutRecord(ctx context.Context, r *vulnsync.Record) (err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	_, err = s.pool.Exec(ctx, loadQuery("records_upsert"), args(r)...)
	return err
}

// PutRecords implements datastore.Store.
//
// The batch is applied in one transaction. If the transaction fails in a way
// that a retry could fix (serialization failure, deadlock, lock timeout,
// lost connection), every record is returned as unprocessed with a nil
// error.
func (s *Store) PutRecords(ctx context.Context, rs []vulnsync.Record) (_ []vulnsync.Record, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	if len(rs) > datastore.MaxBatchSize {
		return nil, &vulnsync.Error{
			Kind:    vulnsync.ErrInvalid,
			Message: fmt.Sprintf("batch of %d exceeds limit of %d", len(rs), datastore.MaxBatchSize),
		}
	}
	if len(rs) == 0 {
		return nil, nil
	}
	q := loadQuery("records_upsert")
	txErr := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) (err error) {
		var batch pgx.Batch
		for i := range rs {
			batch.Queue(q, args(&rs[i])...)
		}
		res := tx.SendBatch(ctx, &batch)
		defer func() {
			err = errors.Join(err, res.Close())
		}()
		for i := range rs {
			if _, err := res.Exec(); err != nil {
				return fmt.Errorf("%s: %w", rs[i].ID, err)
			}
		}
		return nil
	})
	switch {
	case txErr == nil:
		return nil, nil
	case ctx.Err() == nil && retryable(txErr):
		slog.WarnContext(ctx, "batch not applied, returning for retry",
			"count", len(rs),
			"reason", txErr)
		return rs, nil
	default:
		return nil, txErr
	}
}

// retryable reports whether err is a failure a later attempt could avoid.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01": // admin_shutdown
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08") // connection_exception
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// GetRecord implements datastore.Store.
func (s *Store) GetRecord(ctx context.Context, id string) (_ *vulnsync.Record, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	var (
		r                vulnsync.Record
		sev, kev, ransom string
		added            *string
	)
	err = s.pool.QueryRow(ctx, loadQuery("records_get"), id).Scan(
		&r.ID, &r.Vendor, &r.Product, &r.CWEID, &r.CWEName, &r.CVSSScore, &sev,
		&kev, &added, &r.KEVDueDate, &ransom, &r.Description,
		&r.PublishedDate, &r.LastModifiedDate, &r.References,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if r.CVSSSeverity, err = vulnsync.ParseSeverity(sev); err != nil {
		return nil, err
	}
	if err = r.IsKEV.UnmarshalText([]byte(kev)); err != nil {
		return nil, err
	}
	if added != nil {
		r.KEVDateAdded = *added
	}
	r.KnownRansomware = vulnsync.RansomwareUse(ransom)
	return &r, nil
}

// RecordSyncStatus implements datastore.StatusRecorder.
func (s *Store) RecordSyncStatus(ctx context.Context, st *datastore.SyncStatus) (err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	_, err = s.pool.Exec(ctx, loadQuery("status_put"),
		st.RunID, st.Finished, st.Written, st.Dropped, st.LastError)
	return err
}

// SyncStatus implements datastore.StatusRecorder. It returns nil if no run
// has been recorded.
func (s *Store) SyncStatus(ctx context.Context) (_ *datastore.SyncStatus, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	var st datastore.SyncStatus
	err = s.pool.QueryRow(ctx, loadQuery("status_get")).
		Scan(&st.RunID, &st.Finished, &st.Written, &st.Dropped, &st.LastError)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &st, nil
}

// TryLock implements datastore.Locker with a session-level advisory lock.
//
// The lock holds a pooled connection until released.
func (s *Store) TryLock(ctx context.Context, name string) (_ bool, _ func(), err error) {
	ctx, done := s.method(ctx, &err)
	defer done()
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, nil, err
	}
	var ok bool
	if err = c.QueryRow(ctx, loadQuery("lock_try"), name).Scan(&ok); err != nil || !ok {
		c.Release()
		return false, nil, err
	}
	release := func() {
		// Use a fresh context: the caller's may be done by now.
		ctx := context.WithoutCancel(ctx)
		var unlocked bool
		if err := c.QueryRow(ctx, loadQuery("lock_release"), name).Scan(&unlocked); err != nil || !unlocked {
			slog.WarnContext(ctx, "advisory lock not released cleanly", "lock", name, "reason", err)
			// Drop the connection so the session, and its lock, go away.
			c.Conn().Close(ctx)
		}
		c.Release()
	}
	return true, release, nil
}
