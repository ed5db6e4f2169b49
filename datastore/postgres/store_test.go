package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/test"
	"github.com/vulnsentinel/vulnsync/test/integration"
)

func ptr[T any](v T) *T { return &v }

func sample(id string) vulnsync.Record {
	return vulnsync.Record{
		ID:               id,
		Vendor:           "acme corp",
		Product:          "widget pro",
		CWEID:            "CWE-787",
		CVSSScore:        9.8,
		CVSSSeverity:     vulnsync.SeverityCritical,
		IsKEV:            true,
		KEVDateAdded:     "2024-02-01",
		KEVDueDate:       ptr("2024-02-22"),
		KnownRansomware:  vulnsync.RansomwareKnown,
		Description:      "Buffer overflow.",
		PublishedDate:    "2024-01-03T15:15:07.393",
		LastModifiedDate: "2024-02-11T03:05:12.110",
		References:       []string{"https://acme.example/advisories/2024-0001"},
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := test.Logging(t)
	pool := integration.NewDB(ctx, t)
	s, err := NewStore(ctx, pool, WithMigrations)
	if err != nil {
		t.Fatal(err)
	}
	// A second pass must be a no-op.
	if _, err := NewStore(ctx, pool, WithMigrations); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIdempotentUpsert(t *testing.T) {
	integration.Skip(t)
	ctx := test.Logging(t)
	s := newStore(t)
	r := sample("CVE-2024-0001")
	for range 2 {
		if err := s.PutRecord(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM cve_records WHERE cve_id = $1`, r.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, &r) {
		t.Error(cmp.Diff(got, &r))
	}
}

func TestPutRecords(t *testing.T) {
	integration.Skip(t)
	ctx := test.Logging(t)
	s := newStore(t)
	rs := make([]vulnsync.Record, datastore.MaxBatchSize)
	for i := range rs {
		rs[i] = sample(fmt.Sprintf("CVE-2024-%04d", i))
	}
	for range 2 {
		rest, err := s.PutRecords(ctx, rs)
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != 0 {
			t.Errorf("unprocessed: %v", rest)
		}
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM cve_records`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(rs) {
		t.Errorf("got %d rows, want %d", n, len(rs))
	}
	if _, err := s.PutRecords(ctx, append(rs, sample("CVE-2024-9999"))); !errors.Is(err, vulnsync.ErrInvalid) {
		t.Errorf("oversized batch: got: %v", err)
	}
	got, err := s.GetRecord(ctx, "CVE-1999-0001")
	if err != nil || got != nil {
		t.Errorf("missing record: got: %v, %v", got, err)
	}
}

func TestSyncStatus(t *testing.T) {
	integration.Skip(t)
	ctx := test.Logging(t)
	s := newStore(t)
	want := datastore.SyncStatus{
		RunID:    uuid.New(),
		Finished: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Written:  10,
		Dropped:  1,
	}
	if err := s.RecordSyncStatus(ctx, &want); err != nil {
		t.Fatal(err)
	}
	got, err := s.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, &want) {
		t.Error(cmp.Diff(got, &want))
	}
}

func TestTryLock(t *testing.T) {
	integration.Skip(t)
	ctx := test.Logging(t)
	s := newStore(t)
	ok, release, err := s.TryLock(ctx, "sync")
	if err != nil || !ok {
		t.Fatalf("first lock: %v, %v", ok, err)
	}
	ok2, _, err := s.TryLock(ctx, "sync")
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Error("second lock acquired while first held")
	}
	release()
	ok, release, err = s.TryLock(ctx, "sync")
	if err != nil || !ok {
		t.Fatalf("relock: %v, %v", ok, err)
	}
	release()
}
