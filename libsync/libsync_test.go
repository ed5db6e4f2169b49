package libsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore/sqlite"
	"github.com/vulnsentinel/vulnsync/enricher/kev"
	"github.com/vulnsentinel/vulnsync/nvd"
	"github.com/vulnsentinel/vulnsync/test"
	"github.com/vulnsentinel/vulnsync/window"
)

type upstream struct {
	nvd, kev       *httptest.Server
	nvdHit, kevHit atomic.Int32
}

// always answers every NVD request with code.
func always(code int) func(int32) int {
	return func(int32) int { return code }
}

// newUpstream serves the NVD and KEV testdata. The NVD status is chosen per
// request from the 1-based request count.
func newUpstream(t *testing.T, nvdStatus func(hit int32) int, kevStatus int) *upstream {
	t.Helper()
	u := new(upstream)
	u.nvd = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := nvdStatus(u.nvdHit.Add(1)); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		http.ServeFile(w, r, "testdata/nvd.json")
	}))
	t.Cleanup(u.nvd.Close)
	u.kev = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.kevHit.Add(1)
		if kevStatus != http.StatusOK {
			w.WriteHeader(kevStatus)
			return
		}
		http.ServeFile(w, r, "testdata/kev.json")
	}))
	t.Cleanup(u.kev.Close)
	return u
}

func (u *upstream) config() *Config {
	nvdURL := u.nvd.URL + "/rest/json/cves/2.0"
	feed := u.kev.URL + "/known_exploited_vulnerabilities.json"
	delay := vulnsync.Duration(time.Millisecond)
	attempts := 1
	return &Config{
		NVD: &nvd.Config{URL: &nvdURL, Delay: &delay, Attempts: &attempts},
		KEV: &kev.Config{Feed: &feed, Attempts: &attempts},
	}
}

func openStore(ctx context.Context, t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(ctx, sqlite.Memory)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var day = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

func TestRun(t *testing.T) {
	ctx := test.Logging(t)
	u := newUpstream(t, always(http.StatusOK), http.StatusOK)
	store := openStore(ctx, t)
	s, err := New(ctx, &Options{
		Store:  store,
		Client: u.nvd.Client(),
		Config: u.config(),
		Since:  day,
		Until:  day,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &vulnsync.RunSummary{
		Windows:           1,
		Processed:         3,
		Written:           3,
		EnrichmentMatches: 1,
	}
	opts := cmpopts.IgnoreFields(vulnsync.RunSummary{}, "RunID", "Duration", "DurationSeconds")
	if !cmp.Equal(got, want, opts) {
		t.Error(cmp.Diff(got, want, opts))
	}
	if got, want := u.nvdHit.Load(), int32(1); got != want {
		t.Errorf("NVD requests: got: %d, want: %d", got, want)
	}

	r, err := store.GetRecord(ctx, "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("record not stored")
	}
	if !r.IsKEV || r.KnownRansomware != vulnsync.RansomwareKnown {
		t.Errorf("record not enriched: %+v", r)
	}

	st, err := store.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.RunID != got.RunID || st.Written != 3 || st.LastError != "" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestRunFailure(t *testing.T) {
	t.Run("NVD", func(t *testing.T) {
		ctx := test.Logging(t)
		u := newUpstream(t, always(http.StatusForbidden), http.StatusOK)
		store := openStore(ctx, t)
		s, err := New(ctx, &Options{
			Store:  store,
			Client: u.nvd.Client(),
			Config: u.config(),
			Since:  day,
			Until:  day,
		})
		if err != nil {
			t.Fatal(err)
		}
		_, err = s.Run(ctx)
		if !errors.Is(err, vulnsync.ErrPermanent) {
			t.Errorf("unexpected error: %v", err)
		}
		st, err := store.SyncStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.LastError == "" {
			t.Error("failure not recorded")
		}
	})
	t.Run("LaterWindow", func(t *testing.T) {
		ctx := test.Logging(t)
		u := newUpstream(t, func(hit int32) int {
			if hit == 1 {
				return http.StatusOK
			}
			return http.StatusBadRequest
		}, http.StatusOK)
		store := openStore(ctx, t)
		s, err := New(ctx, &Options{
			Store:  store,
			Client: u.nvd.Client(),
			Config: u.config(),
			Since:  day,
			Until:  day.AddDate(0, 0, 300),
		})
		if err != nil {
			t.Fatal(err)
		}
		start, end := s.span(s.now())
		if got, want := len(window.Plan(start, end, s.size)), 3; got != want {
			t.Fatalf("windows: got: %d, want: %d", got, want)
		}
		if _, err := s.Run(ctx); err == nil {
			t.Error("expected error")
		}
		if got, want := u.nvdHit.Load(), int32(2); got != want {
			t.Errorf("NVD requests: got: %d, want: %d", got, want)
		}
		r, err := store.GetRecord(ctx, "CVE-2024-0001")
		if err != nil {
			t.Fatal(err)
		}
		if r == nil {
			t.Error("first window's records not kept")
		}
	})
	t.Run("KEV", func(t *testing.T) {
		ctx := test.Logging(t)
		u := newUpstream(t, always(http.StatusOK), http.StatusNotFound)
		s, err := New(ctx, &Options{
			Store:  openStore(ctx, t),
			Client: u.nvd.Client(),
			Config: u.config(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Run(ctx); err == nil {
			t.Error("expected error")
		}
		if got := u.nvdHit.Load(); got != 0 {
			t.Errorf("NVD contacted %d times before the catalog loaded", got)
		}
	})
}

func TestSpan(t *testing.T) {
	now := func() time.Time { return time.Date(2025, time.March, 10, 17, 4, 0, 0, time.FixedZone("", -5*3600)) }
	tt := []struct {
		Name      string
		Opts      Options
		WantStart string
		WantEnd   string
	}{
		{
			Name:      "Default",
			Opts:      Options{Now: now},
			WantStart: "2023-03-10",
			WantEnd:   "2025-03-10",
		},
		{
			Name:      "Since",
			Opts:      Options{Now: now, Since: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)},
			WantStart: "2025-01-01",
			WantEnd:   "2025-03-10",
		},
		{
			Name:      "Until",
			Opts:      Options{Now: now, Until: time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)},
			WantStart: "2022-06-30",
			WantEnd:   "2024-06-30",
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			ctx := test.Logging(t)
			tc.Opts.Store = openStore(ctx, t)
			s, err := New(ctx, &tc.Opts)
			if err != nil {
				t.Fatal(err)
			}
			start, end := s.span(s.now())
			if got := start.Format(vulnsync.DateLayout); got != tc.WantStart {
				t.Errorf("start: got: %s, want: %s", got, tc.WantStart)
			}
			if got := end.Format(vulnsync.DateLayout); got != tc.WantEnd {
				t.Errorf("end: got: %s, want: %s", got, tc.WantEnd)
			}
		})
	}
}

func TestNew(t *testing.T) {
	ctx := test.Logging(t)
	if _, err := New(ctx, &Options{}); !errors.Is(err, vulnsync.ErrInvalid) {
		t.Errorf("missing store: unexpected error: %v", err)
	}
	_, err := New(ctx, &Options{
		Store: openStore(ctx, t),
		Since: day,
		Until: day.AddDate(0, 0, -1),
	})
	if !errors.Is(err, vulnsync.ErrInvalid) {
		t.Errorf("reversed span: unexpected error: %v", err)
	}
}
