// Package nvd fetches CVE records from the NVD CVE API 2.0 one publication
// date window at a time.
package nvd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/internal/httputil"
)

const (
	// DefaultURL is the CVE API 2.0 endpoint.
	DefaultURL = `https://services.nvd.nist.gov/rest/json/cves/2.0`
	// DefaultPageSize is the largest page the API serves.
	DefaultPageSize = 2000
	// DefaultDelay is the pause between requests without an API key.
	DefaultDelay = 6500 * time.Millisecond
	// DefaultKeyDelay is the pause between requests with an API key.
	DefaultKeyDelay = 700 * time.Millisecond

	startSuffix = `T00:00:00.000`
	endSuffix   = `T23:59:59.999`
)

var tracer = otel.Tracer("github.com/vulnsentinel/vulnsync/nvd")

// Config is the configuration for Client.
//
// Unset fields take the package defaults.
type Config struct {
	URL      *string            `json:"url" yaml:"url" toml:"url"`
	APIKey   *string            `json:"api_key" yaml:"api_key" toml:"api_key"`
	PageSize *int               `json:"page_size" yaml:"page_size" toml:"page_size"`
	Delay    *vulnsync.Duration `json:"delay" yaml:"delay" toml:"delay"`
	KeyDelay *vulnsync.Duration `json:"key_delay" yaml:"key_delay" toml:"key_delay"`
	Attempts *int               `json:"attempts" yaml:"attempts" toml:"attempts"`
	Cooldown *vulnsync.Duration `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	Backoff  *vulnsync.Duration `json:"backoff" yaml:"backoff" toml:"backoff"`
}

// Client is an NVD CVE API client.
//
// Requests are serialized and spaced by the configured delay, across windows
// as well as across pages.
type Client struct {
	c        *http.Client
	base     *url.URL
	apiKey   string
	pageSize int
	limiter  *rate.Limiter
	retry    httputil.Retry
}

// NewClient returns a Client using c for requests. A nil cfg uses the
// defaults.
func NewClient(c *http.Client, cfg *Config) (*Client, error) {
	const op = `nvd.NewClient`
	if c == nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "nil http client"}
	}
	if cfg == nil {
		cfg = new(Config)
	}
	cl := Client{
		c:        c,
		pageSize: DefaultPageSize,
		retry: httputil.Retry{
			Name:     "nvd",
			Attempts: httputil.DefaultAttempts,
			Cooldown: httputil.DefaultCooldown,
			Backoff:  httputil.DefaultBackoff,
		},
	}
	raw := DefaultURL
	if cfg.URL != nil {
		raw = *cfg.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "bad url", Inner: err}
	}
	cl.base = u
	if cfg.APIKey != nil {
		cl.apiKey = *cfg.APIKey
	}
	if cfg.PageSize != nil {
		if n := *cfg.PageSize; n < 1 || n > DefaultPageSize {
			return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: fmt.Sprintf("page size %d out of range", n)}
		}
		cl.pageSize = *cfg.PageSize
	}
	delay := DefaultDelay
	if cl.apiKey != "" {
		delay = DefaultKeyDelay
	}
	switch {
	case cl.apiKey != "" && cfg.KeyDelay != nil:
		delay = cfg.KeyDelay.Std()
	case cl.apiKey == "" && cfg.Delay != nil:
		delay = cfg.Delay.Std()
	}
	cl.limiter = rate.NewLimiter(rate.Every(delay), 1)
	cl.retry.Wait = cl.limiter.Wait
	if cfg.Attempts != nil {
		cl.retry.Attempts = *cfg.Attempts
	}
	if cfg.Cooldown != nil {
		cl.retry.Cooldown = cfg.Cooldown.Std()
	}
	if cfg.Backoff != nil {
		cl.retry.Backoff = cfg.Backoff.Std()
	}
	return &cl, nil
}

// FetchWindow returns every CVE published within w.
//
// Pages are requested until the running count reaches the reported total or
// a page comes back empty. Any error is fatal for the window: the retry
// budget has already been spent by the time it's returned.
func (c *Client) FetchWindow(ctx context.Context, w vulnsync.DateWindow) (_ []CVE, err error) {
	ctx, span := tracer.Start(ctx, "FetchWindow",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("window", w.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
		}
		span.End()
	}()

	var out []CVE
	for start := 0; ; {
		var page Response
		if err := c.page(ctx, w, start, &page); err != nil {
			return nil, fmt.Errorf("nvd: window %v at index %d: %w", w, start, err)
		}
		for _, item := range page.Vulnerabilities {
			if item.CVE == nil {
				continue
			}
			out = append(out, *item.CVE)
		}
		start += len(page.Vulnerabilities)
		slog.DebugContext(ctx, "fetched page",
			"window", w.String(),
			"count", len(page.Vulnerabilities),
			"fetched", start,
			"total", page.TotalResults)
		if len(page.Vulnerabilities) == 0 || start >= page.TotalResults {
			break
		}
	}
	span.SetAttributes(attribute.Int("cve.count", len(out)))
	return out, nil
}

func (c *Client) page(ctx context.Context, w vulnsync.DateWindow, start int, v *Response) error {
	u := *c.base
	q := u.Query()
	q.Set("pubStartDate", w.Start.Format(vulnsync.DateLayout)+startSuffix)
	q.Set("pubEndDate", w.End.Format(vulnsync.DateLayout)+endSuffix)
	q.Set("startIndex", strconv.Itoa(start))
	q.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}
	return c.retry.FetchJSON(ctx, c.c, req, v)
}
