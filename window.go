package vulnsync

import "time"

// DateLayout is the calendar-date layout used for windows.
const DateLayout = "2006-01-02"

// DateWindow is an inclusive span of calendar days in UTC.
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// String returns the window as "start/end".
func (w DateWindow) String() string {
	return w.Start.Format(DateLayout) + "/" + w.End.Format(DateLayout)
}

// Days reports the number of calendar days covered, inclusive.
func (w DateWindow) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
