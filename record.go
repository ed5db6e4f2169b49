// Package vulnsync holds the data model shared by the sync pipeline: the
// canonical vulnerability record, the date windows the upstream is queried
// in, and the summary of a run.
package vulnsync

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Sentinel values written when the upstream omits data.
const (
	UnknownVendor     = "unknown"
	NoInfoCWE         = "NVD-CWE-noinfo"
	NoInfoCWEName     = "Insufficient Information"
	NotApplicable     = "N/A"
	MaxDescriptionLen = 2000
	MaxReferences     = 10
)

// Record is the canonical, enriched form of a single CVE.
//
// The ID is the sole identity: storing a Record replaces any previous
// version wholesale.
type Record struct {
	ID               string        `json:"cveId"`
	Vendor           string        `json:"vendor"`
	Product          string        `json:"product"`
	CWEID            string        `json:"cweId"`
	CWEName          string        `json:"cweName"`
	CVSSScore        float64       `json:"cvssScore"`
	CVSSSeverity     Severity      `json:"cvssSeverity"`
	IsKEV            Flag          `json:"isKev"`
	KEVDateAdded     string        `json:"kevDateAdded"`
	KEVDueDate       *string       `json:"kevDueDate"`
	KnownRansomware  RansomwareUse `json:"knownRansomware"`
	Description      string        `json:"description"`
	PublishedDate    string        `json:"publishedDate"`
	LastModifiedDate string        `json:"lastModifiedDate"`
	References       []string      `json:"references"`
}

// Flag is a boolean stored and serialized as "TRUE" or "FALSE".
type Flag bool

func (f Flag) String() string {
	if f {
		return "TRUE"
	}
	return "FALSE"
}

func (f Flag) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Flag) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "TRUE":
		*f = true
	case "FALSE":
		*f = false
	default:
		return fmt.Errorf("invalid flag %q", string(b))
	}
	return nil
}

func (f Flag) Value() (driver.Value, error) {
	return f.String(), nil
}

func (f *Flag) Scan(i any) error {
	switch v := i.(type) {
	case []byte:
		return f.UnmarshalText(v)
	case string:
		return f.UnmarshalText([]byte(v))
	case bool:
		*f = Flag(v)
	default:
		return fmt.Errorf("unable to scan Flag from type %T", i)
	}
	return nil
}

// RansomwareUse reports whether a KEV entry is known to be used in ransomware
// campaigns.
type RansomwareUse string

const (
	RansomwareKnown   RansomwareUse = "Known"
	RansomwareUnknown RansomwareUse = "Unknown"
)

// ParseRansomwareUse maps the catalog's free-form value onto a
// RansomwareUse. Anything other than "Known" is Unknown.
func ParseRansomwareUse(s string) RansomwareUse {
	if strings.EqualFold(strings.TrimSpace(s), string(RansomwareKnown)) {
		return RansomwareKnown
	}
	return RansomwareUnknown
}
