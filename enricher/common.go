// Package enricher holds helpers shared by the enrichment sources.
package enricher

import "regexp"

// CVERegexp matches a CVE identifier as NVD and CISA publish it.
var CVERegexp = regexp.MustCompile(`^CVE-[0-9]{4}-[0-9]{4,}$`)

// ValidCVE reports whether id is a well-formed CVE identifier.
func ValidCVE(id string) bool {
	return CVERegexp.MatchString(id)
}
