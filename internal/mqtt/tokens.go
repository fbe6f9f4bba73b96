package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts tokens since local midnight. Safe for concurrent
// use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	day      string
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc
// (time.Local when nil).
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// OnTokens adds one model call's counts.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns input tokens, output tokens and request count for
// the current day.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.requests
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}
