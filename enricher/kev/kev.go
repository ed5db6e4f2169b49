// Package kev fetches the CISA Known Exploited Vulnerabilities catalog and
// turns it into a lookup table for enriching CVE records.
package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/quay/claircore/toolkit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/enricher"
	"github.com/vulnsentinel/vulnsync/internal/httputil"
)

// DefaultFeed is the default place to look for the CISA Known Exploited Vulnerabilities feed.
const DefaultFeed = `https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json`

var tracer = otel.Tracer("github.com/vulnsentinel/vulnsync/enricher/kev")

// Config is the configuration for Fetcher.
type Config struct {
	Feed     *string            `json:"feed" yaml:"feed" toml:"feed"`
	Attempts *int               `json:"attempts" yaml:"attempts" toml:"attempts"`
	Cooldown *vulnsync.Duration `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	Backoff  *vulnsync.Duration `json:"backoff" yaml:"backoff" toml:"backoff"`
}

// Fetcher retrieves the catalog.
type Fetcher struct {
	c     *http.Client
	feed  *url.URL
	retry httputil.Retry
}

// NewFetcher returns a Fetcher using c for requests. A nil cfg uses the
// default feed and retry policy.
func NewFetcher(c *http.Client, cfg *Config) (*Fetcher, error) {
	const op = `kev.NewFetcher`
	if c == nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "nil http client"}
	}
	if cfg == nil {
		cfg = new(Config)
	}
	f := Fetcher{
		c: c,
		retry: httputil.Retry{
			Name:     "kev",
			Attempts: httputil.DefaultAttempts,
			Cooldown: httputil.DefaultCooldown,
			Backoff:  httputil.DefaultBackoff,
		},
	}
	raw := DefaultFeed
	if cfg.Feed != nil {
		if !strings.HasSuffix(*cfg.Feed, ".json") {
			return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: fmt.Sprintf("URL not pointing to JSON: %q", *cfg.Feed)}
		}
		raw = *cfg.Feed
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &vulnsync.Error{Op: op, Kind: vulnsync.ErrInvalid, Message: "bad feed url", Inner: err}
	}
	f.feed = u
	if cfg.Attempts != nil {
		f.retry.Attempts = *cfg.Attempts
	}
	if cfg.Cooldown != nil {
		f.retry.Cooldown = cfg.Cooldown.Std()
	}
	if cfg.Backoff != nil {
		f.retry.Backoff = cfg.Backoff.Std()
	}
	return &f, nil
}

// Fetch downloads the catalog and returns it as a Catalog.
//
// Any error is fatal for the run: retries have already been spent.
func (f *Fetcher) Fetch(ctx context.Context) (_ Catalog, err error) {
	ctx = log.With(ctx, "component", "enricher/kev/Fetcher.Fetch")
	ctx, span := tracer.Start(ctx, "Fetch")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.feed.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	var root Root
	if err := f.retry.FetchJSON(ctx, f.c, req, &root); err != nil {
		return nil, fmt.Errorf("kev: fetching catalog: %w", err)
	}
	cat := newCatalog(&root)
	span.SetAttributes(attribute.Int("kev.count", len(cat)))
	slog.InfoContext(ctx, "fetched catalog",
		"version", root.CatalogVersion,
		"count", len(cat))
	return cat, nil
}

// Parse decodes a catalog document from r.
func Parse(r io.Reader) (Catalog, error) {
	var root Root
	if err := json.NewDecoder(r).Decode(&root); err != nil {
		return nil, &vulnsync.Error{Op: `kev.Parse`, Kind: vulnsync.ErrInvalid, Message: "decoding catalog", Inner: err}
	}
	return newCatalog(&root), nil
}

func newCatalog(root *Root) Catalog {
	cat := make(Catalog, len(root.Vulnerabilities))
	for _, v := range root.Vulnerabilities {
		if v == nil || !enricher.ValidCVE(v.CVEID) {
			continue
		}
		e := Entry{
			CVE:           v.CVEID,
			DateAdded:     strings.TrimSpace(v.DateAdded),
			RansomwareUse: vulnsync.ParseRansomwareUse(v.KnownRansomwareCampaignUse),
		}
		if d := strings.TrimSpace(v.DueDate); d != "" {
			e.DueDate = &d
		}
		cat[v.CVEID] = e
	}
	return cat
}
