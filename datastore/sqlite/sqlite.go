// Package sqlite implements the record store on an embedded SQLite
// database, for development and single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed" // embed sql statements
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/internal/dbmetrics"
)

var (
	_ datastore.Store          = (*Store)(nil)
	_ datastore.StatusRecorder = (*Store)(nil)
)

var (
	//go:embed sql/schema.sql
	schema string
	//go:embed sql/upsert.sql
	upsert string
	//go:embed sql/get.sql
	get string
	//go:embed sql/putstatus.sql
	putStatus string
	//go:embed sql/getstatus.sql
	getStatus string
)

// Memory is the name for a private in-memory database.
const Memory = ":memory:"

// Store is a datastore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Path may be Memory.
//
// The returned Store must have its Close method called.
func Open(ctx context.Context, path string) (*Store, error) {
	const op = `datastore/sqlite.Open`
	u := url.URL{
		Scheme: `file`,
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				"busy_timeout(5000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "unable to open database", Inner: err}
	}
	// SQLite serializes writers anyway, and every connection to ":memory:"
	// gets its own database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrPrecondition, Message: "unable to apply schema", Inner: err}
	}
	slog.DebugContext(ctx, "opened sqlite store", "path", path)
	return &Store{db: db}, nil
}

// Close releases held resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func args(r *vulnsync.Record) ([]any, error) {
	refs := r.References
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.Vendor, r.Product, r.CWEID, r.CWEName, r.CVSSScore, r.CVSSSeverity,
		r.IsKEV, r.KEVDateAdded, r.KEVDueDate, string(r.KnownRansomware), r.Description,
		r.PublishedDate, r.LastModifiedDate, string(b),
	}, nil
}

// PutRecord implements datastore.Store.
func (s *Store) PutRecord(ctx context.Context, r *vulnsync.Record) (err error) {
	defer dbmetrics.Observe("sqlite", "putrecord", &err)()
	a, err := args(r)
	if err != nil {
		return fmt.Errorf("sqlite: encoding %s: %w", r.ID, err)
	}
	if _, err = s.db.ExecContext(ctx, upsert, a...); err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", r.ID, err)
	}
	return nil
}

// PutRecords implements datastore.Store.
//
// The batch is written in one transaction. Records that fail individually
// are returned for retry; the rest are committed.
func (s *Store) PutRecords(ctx context.Context, rs []vulnsync.Record) (_ []vulnsync.Record, err error) {
	defer dbmetrics.Observe("sqlite", "putrecords", &err)()
	if len(rs) > datastore.MaxBatchSize {
		return nil, &vulnsync.Error{
			Op:      `datastore/sqlite.PutRecords`,
			Kind:    vulnsync.ErrInvalid,
			Message: fmt.Sprintf("batch of %d exceeds limit of %d", len(rs), datastore.MaxBatchSize),
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return nil, fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	var failed []vulnsync.Record
	for i := range rs {
		r := &rs[i]
		a, err := args(r)
		if err == nil {
			_, err = stmt.ExecContext(ctx, a...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.DebugContext(ctx, "record not applied", "cve", r.ID, "reason", err)
			failed = append(failed, *r)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	return failed, nil
}

// GetRecord implements datastore.Store.
func (s *Store) GetRecord(ctx context.Context, id string) (_ *vulnsync.Record, err error) {
	defer dbmetrics.Observe("sqlite", "getrecord", &err)()
	var (
		r       vulnsync.Record
		added   sql.NullString
		due     sql.NullString
		ransom  string
		refsRaw string
	)
	err = s.db.QueryRowContext(ctx, get, id).Scan(
		&r.ID, &r.Vendor, &r.Product, &r.CWEID, &r.CWEName, &r.CVSSScore, &r.CVSSSeverity,
		&r.IsKEV, &added, &due, &ransom, &r.Description,
		&r.PublishedDate, &r.LastModifiedDate, &refsRaw,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	r.KEVDateAdded = added.String
	if due.Valid {
		r.KEVDueDate = &due.String
	}
	r.KnownRansomware = vulnsync.RansomwareUse(ransom)
	if err := json.Unmarshal([]byte(refsRaw), &r.References); err != nil {
		return nil, fmt.Errorf("sqlite: decoding references for %s: %w", id, err)
	}
	return &r, nil
}

// RecordSyncStatus implements datastore.StatusRecorder.
func (s *Store) RecordSyncStatus(ctx context.Context, st *datastore.SyncStatus) (err error) {
	defer dbmetrics.Observe("sqlite", "putstatus", &err)()
	_, err = s.db.ExecContext(ctx, putStatus,
		st.RunID.String(), st.Finished.UTC().Format(time.RFC3339Nano), st.Written, st.Dropped, st.LastError)
	if err != nil {
		return fmt.Errorf("sqlite: recording sync status: %w", err)
	}
	return nil
}

// SyncStatus implements datastore.StatusRecorder. It returns nil if no run
// has been recorded.
func (s *Store) SyncStatus(ctx context.Context) (_ *datastore.SyncStatus, err error) {
	defer dbmetrics.Observe("sqlite", "getstatus", &err)()
	var (
		st       datastore.SyncStatus
		id, when string
	)
	err = s.db.QueryRowContext(ctx, getStatus).Scan(&id, &when, &st.Written, &st.Dropped, &st.LastError)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("sqlite: reading sync status: %w", err)
	}
	if st.RunID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("sqlite: bad run id %q: %w", id, err)
	}
	if st.Finished, err = time.Parse(time.RFC3339Nano, when); err != nil {
		return nil, fmt.Errorf("sqlite: bad timestamp %q: %w", when, err)
	}
	return &st, nil
}
