package vulnsync

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Severity is the normalized CVSS qualitative rating.
type Severity string

// Defined severities, highest first.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityNone     Severity = "NONE"
)

// SeverityFromScore maps a base score onto a Severity using the CVSS v2
// thresholds.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// ParseSeverity returns the Severity named by s, ignoring case.
func ParseSeverity(s string) (Severity, error) {
	switch v := Severity(strings.ToUpper(strings.TrimSpace(s))); v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityNone:
		return v, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) String() string {
	if s == "" {
		return string(SeverityNone)
	}
	return string(s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Severity) Scan(i any) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
}
