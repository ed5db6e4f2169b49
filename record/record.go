// Package record turns NVD CVE entries into canonical records, merging in
// KEV enrichment.
package record

import (
	"strings"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/enricher/kev"
	"github.com/vulnsentinel/vulnsync/nvd"
)

// Build normalizes c into a Record, marking it as known-exploited if cat has
// an entry for it. It never fails: missing data is replaced with the
// documented defaults.
func Build(c *nvd.CVE, cat kev.Catalog) vulnsync.Record {
	r := vulnsync.Record{
		ID:               c.ID,
		PublishedDate:    c.Published,
		LastModifiedDate: c.LastModified,
		Description:      description(c.Descriptions),
		References:       references(c.References),
	}
	r.CVSSScore, r.CVSSSeverity = score(&c.Metrics)
	r.CWEID, r.CWEName = weakness(c.Weaknesses)
	r.Vendor, r.Product = vendorProduct(c.Configurations)

	if e, ok := cat.Lookup(c.ID); ok {
		r.IsKEV = true
		r.KEVDateAdded = e.DateAdded
		if r.KEVDateAdded == "" {
			r.KEVDateAdded = vulnsync.NotApplicable
		}
		r.KEVDueDate = e.DueDate
		r.KnownRansomware = e.RansomwareUse
	} else {
		r.KEVDateAdded = vulnsync.NotApplicable
		r.KnownRansomware = vulnsync.RansomwareUnknown
	}
	return r
}

// score reports the base score and severity of the first metric, preferring
// CVSS 3.1 over 3.0 over 2.0.
func score(ms *nvd.Metrics) (float64, vulnsync.Severity) {
	// V2 blocks carry no usable rating in cvssData, so theirs is derived
	// from the score.
	type scored struct {
		nvd.Metric
		v2 bool
	}
	seq := func(yield func(scored) bool) {
		for _, m := range ms.V31 {
			if !yield(scored{Metric: m}) {
				return
			}
		}
		for _, m := range ms.V30 {
			if !yield(scored{Metric: m}) {
				return
			}
		}
		for _, m := range ms.V2 {
			if !yield(scored{Metric: m, v2: true}) {
				return
			}
		}
	}
	for m := range seq {
		if m.v2 {
			return m.Data.BaseScore, vulnsync.SeverityFromScore(m.Data.BaseScore)
		}
		sev, err := vulnsync.ParseSeverity(m.Data.BaseSeverity)
		if err != nil {
			sev = vulnsync.SeverityNone
		}
		return m.Data.BaseScore, sev
	}
	return 0, vulnsync.SeverityNone
}

func weakness(ws []nvd.Weakness) (id, name string) {
	if len(ws) == 0 {
		return vulnsync.NoInfoCWE, vulnsync.NoInfoCWEName
	}
	id = vulnsync.NoInfoCWE
	if d := ws[0].Description; len(d) > 0 && d[0].Value != "" {
		id = d[0].Value
	}
	// The API carries no CWE names.
	return id, ""
}

// vendorProduct pulls the vendor and product out of the first CPE 2.3
// formatted string with enough components.
func vendorProduct(cfgs []nvd.Configuration) (vendor, product string) {
	for _, cfg := range cfgs {
		for _, n := range cfg.Nodes {
			for _, m := range n.CPEMatch {
				parts := strings.Split(m.Criteria, ":")
				if len(parts) < 5 {
					continue
				}
				return cpeField(parts[3]), cpeField(parts[4])
			}
		}
	}
	return vulnsync.UnknownVendor, vulnsync.UnknownVendor
}

func cpeField(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	if s == "" {
		return vulnsync.UnknownVendor
	}
	return s
}

func description(ds []nvd.LangString) string {
	for _, d := range ds {
		if d.Lang != "en" {
			continue
		}
		r := []rune(d.Value)
		if len(r) > vulnsync.MaxDescriptionLen {
			return string(r[:vulnsync.MaxDescriptionLen])
		}
		return d.Value
	}
	return ""
}

func references(rs []nvd.Reference) []string {
	out := make([]string, 0, min(len(rs), vulnsync.MaxReferences))
	for _, r := range rs {
		if r.URL == "" {
			continue
		}
		out = append(out, r.URL)
		if len(out) == vulnsync.MaxReferences {
			break
		}
	}
	return out
}
