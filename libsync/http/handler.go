// Package http exposes a sync trigger over HTTP.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	h "net/http"

	"github.com/quay/claircore/toolkit/log"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/libsync"
	je "github.com/vulnsentinel/vulnsync/pkg/jsonerr"
)

// NewHandler returns a handler serving:
//
//	POST /sync     run a sync and respond with the run summary
//	GET  /healthz  liveness
//
// Runs go through g, so a request arriving while a run is in progress is
// answered with 409 Conflict.
func NewHandler(g *libsync.Guard) h.Handler {
	mux := h.NewServeMux()
	mux.Handle("POST /sync", Sync(g))
	mux.HandleFunc("GET /healthz", func(w h.ResponseWriter, _ *h.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Sync runs r for the request and writes the summary as JSON.
func Sync(r libsync.Runner) h.HandlerFunc {
	return func(w h.ResponseWriter, req *h.Request) {
		ctx := log.With(req.Context(), "component", "libsync/http/Sync")
		sum, err := r.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, vulnsync.ErrConflict):
			je.Error(w, &je.Response{Code: "sync-busy", Error: err.Error()}, h.StatusConflict)
			return
		default:
			slog.ErrorContext(ctx, "sync failed", "reason", err)
			je.Error(w, &je.Response{Code: "sync-error", Error: err.Error()}, h.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sum); err != nil {
			slog.WarnContext(ctx, "unable to write summary", "reason", err)
		}
	}
}
