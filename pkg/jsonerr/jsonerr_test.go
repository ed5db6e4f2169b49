package jsonerr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	want := Response{Code: "sync-busy", Error: "a sync is already running"}
	Error(rec, &want, http.StatusConflict)

	res := rec.Result()
	if got, want := res.StatusCode, http.StatusConflict; got != want {
		t.Errorf("status: got: %d, want: %d", got, want)
	}
	if got, want := res.Header.Get("Content-Type"), "application/json"; got != want {
		t.Errorf("content type: got: %q, want: %q", got, want)
	}
	var got Response
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}
