package nvd

// Response is a page of the CVE API 2.0 response.
type Response struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Format          string `json:"format"`
	Version         string `json:"version"`
	Timestamp       string `json:"timestamp"`
	Vulnerabilities []Item `json:"vulnerabilities"`
}

// Item wraps a CVE in the vulnerabilities array.
type Item struct {
	CVE *CVE `json:"cve"`
}

// CVE is the subset of the NVD CVE object the sync consumes.
type CVE struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"sourceIdentifier"`
	Published      string          `json:"published"`
	LastModified   string          `json:"lastModified"`
	VulnStatus     string          `json:"vulnStatus"`
	Descriptions   []LangString    `json:"descriptions"`
	Metrics        Metrics         `json:"metrics"`
	Weaknesses     []Weakness      `json:"weaknesses"`
	Configurations []Configuration `json:"configurations"`
	References     []Reference     `json:"references"`
}

// LangString is a localized string.
type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// Metrics holds the scoring blocks by CVSS version.
type Metrics struct {
	V31 []Metric `json:"cvssMetricV31"`
	V30 []Metric `json:"cvssMetricV30"`
	V2  []Metric `json:"cvssMetricV2"`
}

// Metric is one scoring of a CVE by one source.
type Metric struct {
	Source string   `json:"source"`
	Type   string   `json:"type"`
	Data   CVSSData `json:"cvssData"`
	// BaseSeverity is where the V2 block carries its rating.
	BaseSeverity string `json:"baseSeverity"`
}

// CVSSData is the version-independent part of a "cvssData" object.
type CVSSData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	// BaseSeverity is only present for CVSS v3.x.
	BaseSeverity string `json:"baseSeverity"`
}

// Weakness is a CWE classification.
type Weakness struct {
	Source      string       `json:"source"`
	Type        string       `json:"type"`
	Description []LangString `json:"description"`
}

// Configuration is a tree of applicability statements.
type Configuration struct {
	Operator string `json:"operator"`
	Negate   bool   `json:"negate"`
	Nodes    []Node `json:"nodes"`
}

// Node is a group of CPE matches.
type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate"`
	CPEMatch []CPEMatch `json:"cpeMatch"`
}

// CPEMatch names affected platforms with a CPE 2.3 formatted string.
type CPEMatch struct {
	Vulnerable      bool   `json:"vulnerable"`
	Criteria        string `json:"criteria"`
	MatchCriteriaID string `json:"matchCriteriaId"`
}

// Reference is an external link.
type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}
