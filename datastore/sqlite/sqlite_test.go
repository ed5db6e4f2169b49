package sqlite

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/test"
)

func ptr[T any](v T) *T { return &v }

func openStore(t *testing.T) *Store {
	t.Helper()
	ctx := test.Logging(t)
	s, err := Open(ctx, filepath.Join(t.TempDir(), "vulnsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

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

func TestIdempotentUpsert(t *testing.T) {
	ctx := test.Logging(t)
	s := openStore(t)
	r := sample("CVE-2024-0001")
	for range 2 {
		if err := s.PutRecord(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cve_records WHERE cve_id = ?`, r.ID).Scan(&n); err != nil {
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

func TestReplace(t *testing.T) {
	ctx := test.Logging(t)
	s := openStore(t)
	r := sample("CVE-2024-0001")
	if err := s.PutRecord(ctx, &r); err != nil {
		t.Fatal(err)
	}
	next := r
	next.IsKEV = false
	next.KEVDateAdded = vulnsync.NotApplicable
	next.KEVDueDate = nil
	next.KnownRansomware = vulnsync.RansomwareUnknown
	next.References = nil
	if rest, err := s.PutRecords(ctx, []vulnsync.Record{next}); err != nil || len(rest) != 0 {
		t.Fatalf("unexpected result: %v, %v", rest, err)
	}
	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	next.References = []string{}
	if !cmp.Equal(got, &next) {
		t.Error(cmp.Diff(got, &next))
	}
}

func TestPutRecords(t *testing.T) {
	ctx := test.Logging(t)
	s := openStore(t)
	rs := make([]vulnsync.Record, datastore.MaxBatchSize)
	for i := range rs {
		rs[i] = sample(fmt.Sprintf("CVE-2024-%04d", i))
	}
	rest, err := s.PutRecords(ctx, rs)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("unprocessed: %v", rest)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cve_records`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(rs) {
		t.Errorf("got %d rows, want %d", n, len(rs))
	}

	_, err = s.PutRecords(ctx, append(rs, sample("CVE-2024-9999")))
	if !errors.Is(err, vulnsync.ErrInvalid) {
		t.Errorf("oversized batch: got: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	ctx := test.Logging(t)
	s := openStore(t)
	got, err := s.GetRecord(ctx, "CVE-1999-0001")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got: %+v, want nil", got)
	}
}

func TestSyncStatus(t *testing.T) {
	ctx := test.Logging(t)
	s := openStore(t)
	got, err := s.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got: %+v, want nil", got)
	}
	for _, want := range []datastore.SyncStatus{
		{RunID: uuid.New(), Finished: time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC), Written: 10, Dropped: 1},
		{RunID: uuid.New(), Finished: time.Date(2025, 1, 3, 3, 4, 5, 6, time.UTC), LastError: "nvd: retries exhausted"},
	} {
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
}

func TestMemory(t *testing.T) {
	ctx := test.Logging(t)
	s, err := Open(ctx, Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	r := sample("CVE-2024-0001")
	if err := s.PutRecord(ctx, &r); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != r.ID {
		t.Errorf("got: %+v", got)
	}
}
