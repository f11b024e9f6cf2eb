package timewindow

import "time"

// Format is the ISO-8601 millisecond UTC form Salesforce accepts in SOQL
// date comparisons.
const Format = "2006-01-02T15:04:05.000Z"

// Tracker owns the sliding [from, to) query cursor for one instance. The
// cursor only moves forward, and only when the caller reports a fully
// successful cycle via Advance.
type Tracker struct {
	lag    time.Duration
	lastTo string
	now    func() time.Time
}

// NewTracker creates a tracker whose initial from-bound sits
// timeLagMinutes+initialDelayMinutes behind the current time.
func NewTracker(timeLagMinutes, initialDelayMinutes int) *Tracker {
	return newTracker(timeLagMinutes, initialDelayMinutes, time.Now)
}

func newTracker(timeLagMinutes, initialDelayMinutes int, now func() time.Time) *Tracker {
	lag := time.Duration(timeLagMinutes) * time.Minute
	initial := now().UTC().Add(-lag - time.Duration(initialDelayMinutes)*time.Minute)
	return &Tracker{
		lag:    lag,
		lastTo: initial.Format(Format),
		now:    now,
	}
}

// Bounds returns the query window for the next cycle. The to-bound is
// recomputed as now minus the configured lag; the from-bound is the
// to-bound of the last successfully completed cycle.
func (t *Tracker) Bounds() (from, to string) {
	to = t.now().UTC().Add(-t.lag).Format(Format)
	return t.lastTo, to
}

// Advance moves the cursor to the given to-bound. Call it only after every
// query of the cycle has completed; skipping it on failure makes the next
// cycle re-observe the same range instead of silently dropping it.
func (t *Tracker) Advance(to string) {
	t.lastTo = to
}

// LastTo returns the current from-bound.
func (t *Tracker) LastTo() string {
	return t.lastTo
}
