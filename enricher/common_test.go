package enricher

import "testing"

func TestValidCVE(t *testing.T) {
	for id, want := range map[string]bool{
		"CVE-2021-44228":  true,
		"CVE-2024-123456": true,
		"CVE-2024-123":    false,
		"cve-2021-44228":  false,
		"CVE_2021_44228":  false,
		" CVE-2021-44228": false,
		"GHSA-xxxx-yyyy":  false,
	} {
		if got := ValidCVE(id); got != want {
			t.Errorf("%q: got: %v, want: %v", id, got, want)
		}
	}
}
