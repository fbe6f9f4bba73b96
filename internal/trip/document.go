package trip

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Document holds the current trip of one session. Tools mutate it
// through Apply; renderers read it with Snapshot at any time.
type Document struct {
	mu       sync.RWMutex
	trip     Trip
	version  int64
	sharedAt time.Time

	// OnChange, if set, is called with the new snapshot after every
	// successful Apply. It runs outside the document lock.
	OnChange func(Trip, int64)

	now func() time.Time
}

// NewDocument wraps t.
func NewDocument(t Trip) *Document {
	return &Document{trip: t.Clone(), now: time.Now}
}

// LoadDocument wraps a trip read back from storage. Derived group fields
// are recomputed and a non-zero sharedAt restores the frozen state.
func LoadDocument(t Trip, sharedAt time.Time) *Document {
	t = t.Clone()
	t.FlightGroups = lo.Map(t.FlightGroups, func(g FlightGroup, _ int) FlightGroup { return NormalizeGroup(g) })
	return &Document{trip: t, sharedAt: sharedAt, now: time.Now}
}

// Snapshot returns a deep copy of the current trip.
func (d *Document) Snapshot() Trip {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trip.Clone()
}

// Version counts successful mutations.
func (d *Document) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Apply runs fn against the current trip and installs its result. fn
// receives a private copy. A frozen document rejects every mutation with
// ErrFrozen.
func (d *Document) Apply(fn func(Trip) (Trip, error)) (Trip, error) {
	d.mu.Lock()
	if !d.sharedAt.IsZero() {
		d.mu.Unlock()
		return Trip{}, ErrFrozen
	}
	next, err := fn(d.trip.Clone())
	if err == nil {
		err = next.Check()
	}
	if err != nil {
		d.mu.Unlock()
		return Trip{}, err
	}
	next.UpdatedAt = d.now()
	d.trip = next
	d.version++
	snap, version, hook := next.Clone(), d.version, d.OnChange
	d.mu.Unlock()

	if hook != nil {
		hook(snap.Clone(), version)
	}
	return snap, nil
}

// Freeze marks the trip as shared. Later mutations fail with ErrFrozen.
// Freezing twice keeps the first timestamp.
func (d *Document) Freeze() Trip {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sharedAt.IsZero() {
		d.sharedAt = d.now()
	}
	return d.trip.Clone()
}

// SharedAt reports when the trip was frozen, or the zero time.
func (d *Document) SharedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sharedAt
}

// CostBreakdown totals the priced parts of a trip.
type CostBreakdown struct {
	Flights    float64 `json:"flights"`
	Hotels     float64 `json:"hotels"`
	Activities float64 `json:"activities"`
	Meals      float64 `json:"meals"`
	Total      float64 `json:"total"`
}

// Cost computes the trip's cost breakdown. Meals is the trip's estimated
// meal cost.
func (t Trip) Cost() CostBreakdown {
	c := CostBreakdown{
		Flights:    roundCents(lo.SumBy(t.FlightGroups, func(g FlightGroup) float64 { return g.TotalPrice })),
		Hotels:     roundCents(lo.SumBy(t.Hotels, func(h Hotel) float64 { return h.TotalPrice })),
		Activities: roundCents(lo.SumBy(t.Activities, func(a Activity) float64 { return a.Price })),
		Meals:      roundCents(t.EstimatedMealCost),
	}
	c.Total = roundCents(c.Flights + c.Hotels + c.Activities + c.Meals)
	return c
}
