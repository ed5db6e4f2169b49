package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vulnsentinel/vulnsync"
)

// Retry policy defaults.
const (
	DefaultAttempts = 3
	DefaultCooldown = 10 * time.Second
	DefaultBackoff  = 5 * time.Second
)

var (
	requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Upstream requests by source and response code.",
	}, []string{"source", "code"})
	retryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "http",
		Name:      "retries_total",
		Help:      "Upstream request retries by source and reason.",
	}, []string{"source", "reason"})
)

// Retry is a bounded retry policy for fetching JSON documents.
//
// A rate-limited response (429 or 503) waits Cooldown before the next
// attempt; any other retryable failure waits Backoff. Every failed attempt
// consumes one of Attempts. Errors marked [vulnsync.ErrPermanent] are
// returned immediately.
type Retry struct {
	// Name labels log lines and metrics.
	Name     string
	Attempts int
	Cooldown time.Duration
	Backoff  time.Duration
	// Wait, if set, is called before every attempt, retries included.
	Wait func(context.Context) error
}

func (r *Retry) attempts() int {
	if r.Attempts < 1 {
		return DefaultAttempts
	}
	return r.Attempts
}

// FetchJSON issues req with c and decodes a 200 response body into v.
//
// The request is cloned for every attempt, so it must not carry a body.
// When the budget is exhausted, the returned error is marked
// [vulnsync.ErrPermanent] and wraps the last failure.
func (r *Retry) FetchJSON(ctx context.Context, c *http.Client, req *http.Request, v any) error {
	n := r.attempts()
	var last error
	for i := 1; i <= n; i++ {
		if r.Wait != nil {
			if err := r.Wait(ctx); err != nil {
				return err
			}
		}
		err := r.fetch(ctx, c, req, v)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, vulnsync.ErrPermanent):
			return err
		}
		last = err
		if i == n {
			break
		}
		wait, reason := r.Backoff, "error"
		var se *StatusError
		if errors.As(err, &se) && se.RateLimited() {
			wait, reason = r.Cooldown, "rate_limit"
		}
		retryCounter.WithLabelValues(r.Name, reason).Inc()
		slog.WarnContext(ctx, "request failed, retrying",
			"source", r.Name,
			"attempt", i,
			"wait", wait,
			"reason", err)
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &vulnsync.Error{
		Op:      r.Name,
		Kind:    vulnsync.ErrPermanent,
		Message: fmt.Sprintf("retries exhausted after %d attempts", n),
		Inner:   last,
	}
}

func (r *Retry) fetch(ctx context.Context, c *http.Client, req *http.Request, v any) error {
	req = req.Clone(ctx)
	req.Header.Set("Accept-Encoding", "gzip")
	res, err := c.Do(req)
	if err != nil {
		requestCounter.WithLabelValues(r.Name, "error").Inc()
		return &vulnsync.Error{Kind: vulnsync.ErrTransient, Message: "request failed", Inner: err}
	}
	defer res.Body.Close()
	requestCounter.WithLabelValues(r.Name, strconv.Itoa(res.StatusCode)).Inc()
	if err := CheckResponse(res, http.StatusOK); err != nil {
		return err
	}
	var body io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		z, err := gzip.NewReader(res.Body)
		if err != nil {
			return &vulnsync.Error{Kind: vulnsync.ErrTransient, Message: "bad gzip stream", Inner: err}
		}
		defer z.Close()
		body = z
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &vulnsync.Error{Kind: vulnsync.ErrTransient, Message: "decoding response", Inner: err}
	}
	return nil
}

// Sleep waits for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
