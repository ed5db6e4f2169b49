package http

import (
	"context"
	"encoding/json"
	"errors"
	h "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/libsync"
	je "github.com/vulnsentinel/vulnsync/pkg/jsonerr"
	"github.com/vulnsentinel/vulnsync/test"
)

type runFunc func(context.Context) (*vulnsync.RunSummary, error)

func (f runFunc) Run(ctx context.Context) (*vulnsync.RunSummary, error) { return f(ctx) }

func TestHandler(t *testing.T) {
	ctx := test.Logging(t)
	sum := vulnsync.RunSummary{Windows: 1, Processed: 3, Written: 3, EnrichmentMatches: 1}
	sum.SetDuration(1500 * time.Millisecond)
	var fail atomic.Bool
	g := libsync.NewGuard(runFunc(func(context.Context) (*vulnsync.RunSummary, error) {
		if fail.Load() {
			return nil, errors.New("retries exhausted after 3 attempts")
		}
		return &sum, nil
	}), nil)
	srv := httptest.NewServer(NewHandler(g))
	defer srv.Close()

	post := func(t *testing.T) *h.Response {
		t.Helper()
		req, err := h.NewRequestWithContext(ctx, h.MethodPost, srv.URL+"/sync", nil)
		if err != nil {
			t.Fatal(err)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { res.Body.Close() })
		return res
	}

	t.Run("OK", func(t *testing.T) {
		res := post(t)
		if got, want := res.StatusCode, h.StatusOK; got != want {
			t.Fatalf("status: got: %d, want: %d", got, want)
		}
		var got map[string]any
		if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		for k, want := range map[string]any{
			"processed":         3.0,
			"written":           3.0,
			"enrichmentMatches": 1.0,
			"durationSeconds":   1.5,
		} {
			if !cmp.Equal(got[k], want) {
				t.Errorf("%s: got: %v, want: %v", k, got[k], want)
			}
		}
	})

	t.Run("Error", func(t *testing.T) {
		fail.Store(true)
		defer fail.Store(false)
		res := post(t)
		if got, want := res.StatusCode, h.StatusInternalServerError; got != want {
			t.Fatalf("status: got: %d, want: %d", got, want)
		}
		var got je.Response
		if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		want := je.Response{Code: "sync-error", Error: "retries exhausted after 3 attempts"}
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})

	t.Run("Method", func(t *testing.T) {
		res, err := srv.Client().Get(srv.URL + "/sync")
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if got, want := res.StatusCode, h.StatusMethodNotAllowed; got != want {
			t.Errorf("status: got: %d, want: %d", got, want)
		}
	})

	t.Run("Healthz", func(t *testing.T) {
		res, err := srv.Client().Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if got, want := res.StatusCode, h.StatusOK; got != want {
			t.Errorf("status: got: %d, want: %d", got, want)
		}
	})
}

func TestSyncBusy(t *testing.T) {
	ctx := test.Logging(t)
	r := runFunc(func(context.Context) (*vulnsync.RunSummary, error) { return nil, libsync.ErrBusy })
	rec := httptest.NewRecorder()
	req := httptest.NewRequestWithContext(ctx, h.MethodPost, "/sync", nil)
	Sync(r).ServeHTTP(rec, req)
	if got, want := rec.Code, h.StatusConflict; got != want {
		t.Errorf("status: got: %d, want: %d", got, want)
	}
}
