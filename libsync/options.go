package libsync

import (
	"net/http"
	"time"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/enricher/kev"
	"github.com/vulnsentinel/vulnsync/nvd"
	"github.com/vulnsentinel/vulnsync/persist"
)

const (
	DefaultLookbackYears = 2
	DefaultInterval      = 24 * time.Hour
)

// Options are the dependencies and settings for a Syncer.
type Options struct {
	// Store receives the canonical records. If it also implements
	// datastore.StatusRecorder, the outcome of every run is recorded.
	Store datastore.Store
	// Client is used for both upstream feeds. If nil, http.DefaultClient
	// is used.
	Client *http.Client
	// Config holds the tunables. A nil Config uses the defaults.
	Config *Config
	// Since and Until override the span a run covers. A zero Until means
	// today; a zero Since means LookbackYears before Until.
	Since, Until time.Time
	// Now is the clock used to compute the span. If nil, time.Now is used.
	Now func() time.Time
}

// Config is the file-loadable configuration of a Syncer.
type Config struct {
	NVD     *nvd.Config     `json:"nvd" yaml:"nvd" toml:"nvd"`
	KEV     *kev.Config     `json:"kev" yaml:"kev" toml:"kev"`
	Persist *persist.Config `json:"persist" yaml:"persist" toml:"persist"`
	// WindowDays is the largest window, in days, requested from NVD.
	WindowDays *int `json:"window_days" yaml:"window_days" toml:"window_days"`
	// LookbackYears is how far back a run reaches when Since is unset.
	LookbackYears *int `json:"lookback_years" yaml:"lookback_years" toml:"lookback_years"`
	// Interval is the period of Start.
	Interval *vulnsync.Duration `json:"interval" yaml:"interval" toml:"interval"`
}
