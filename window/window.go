// Package window splits a date span into the bounded windows the NVD API
// accepts for publication-date queries.
package window

import (
	"time"

	"github.com/vulnsentinel/vulnsync"
)

// DefaultSize is the widest window, in days, used when none is specified.
// The NVD API rejects publication ranges longer than 120 days.
const DefaultSize = 119

// Plan returns the ordered windows covering start through end, inclusive.
//
// Both bounds are truncated to UTC calendar days. Each window spans at most
// size days, the next window starts the day after the previous one ends, and
// the last window ends exactly on end. If start is after end, the result is
// empty. A size less than one uses DefaultSize.
func Plan(start, end time.Time, size int) []vulnsync.DateWindow {
	if size < 1 {
		size = DefaultSize
	}
	start, end = vulnsync.Day(start), vulnsync.Day(end)
	if start.After(end) {
		return nil
	}
	out := make([]vulnsync.DateWindow, 0, int(end.Sub(start).Hours()/24)/size+1)
	for cur := start; !cur.After(end); {
		wEnd := cur.AddDate(0, 0, size-1)
		if wEnd.After(end) {
			wEnd = end
		}
		out = append(out, vulnsync.DateWindow{Start: cur, End: wEnd})
		cur = wEnd.AddDate(0, 0, 1)
	}
	return out
}
