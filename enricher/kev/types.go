package kev

import "github.com/vulnsentinel/vulnsync"

// Entry is the enrichment data kept for one catalog vulnerability.
type Entry struct {
	CVE       string
	DateAdded string
	// DueDate is nil when the catalog leaves it empty.
	DueDate       *string
	RansomwareUse vulnsync.RansomwareUse
}

// Catalog maps CVE identifiers to their Entry.
//
// It's built once per run and only read afterwards.
type Catalog map[string]Entry

// Lookup returns the Entry for a CVE identifier, if any.
func (c Catalog) Lookup(id string) (Entry, bool) {
	e, ok := c[id]
	return e, ok
}

// Root represents the root structure of the body returned by
// https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json.
type Root struct {
	Title           string           `json:"title,omitempty"`
	CatalogVersion  string           `json:"catalogVersion"`
	DateReleased    string           `json:"dateReleased"`
	Count           int              `json:"count"`
	Vulnerabilities []*Vulnerability `json:"vulnerabilities"`
}

// Vulnerability represents a vulnerability based on the CISA KEV schema:
// https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities_schema.json.
type Vulnerability struct {
	CVEID                      string   `json:"cveID"`
	VendorProject              string   `json:"vendorProject"`
	Product                    string   `json:"product"`
	VulnerabilityName          string   `json:"vulnerabilityName"`
	DateAdded                  string   `json:"dateAdded"`
	ShortDescription           string   `json:"shortDescription"`
	RequiredAction             string   `json:"requiredAction"`
	DueDate                    string   `json:"dueDate"`
	KnownRansomwareCampaignUse string   `json:"knownRansomwareCampaignUse,omitempty"`
	Notes                      string   `json:"notes,omitempty"`
	CWEs                       []string `json:"cwes,omitempty"`
}
