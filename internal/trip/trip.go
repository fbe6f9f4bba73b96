// Package trip is the structured trip document a planning session builds:
// flights grouped into connections, hotels, restaurants, activities and a
// day-by-day itinerary, together with the derived totals that must stay
// consistent with them.
//
// Mutations are pure functions from one Trip value to the next. The
// Document type holds the current value for a session and hands out
// snapshots to readers.
package trip

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes.
const (
	PrefixTrip        = "trip"
	PrefixFlightGroup = "fg"
	PrefixFlight      = "flight"
	PrefixHotel       = "hotel"
	PrefixRestaurant  = "rest"
	PrefixActivity    = "act"
	PrefixDay         = "day"
)

// NewID returns prefix_ followed by 12 random hex characters.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Trip is the aggregate root. Every field may be empty; the document is
// rendered while it is still being built.
type Trip struct {
	ID                string    `json:"id"`
	Destination       string    `json:"destination,omitempty"`
	Duration          string    `json:"duration,omitempty"`
	StartDate         string    `json:"startDate,omitempty"`
	EndDate           string    `json:"endDate,omitempty"`
	EstimatedMealCost float64   `json:"estimatedMealCost,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`

	FlightGroups []FlightGroup  `json:"flightGroups"`
	Hotels       []Hotel        `json:"hotels"`
	Restaurants  []Restaurant   `json:"restaurants"`
	Activities   []Activity     `json:"activities"`
	Itinerary    []ItineraryDay `json:"itinerary"`
}

// FlightGroup is one or more connecting flights considered together.
type FlightGroup struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	TotalPrice  float64  `json:"totalPrice"`
	LayoverTime string   `json:"layoverTime,omitempty"`
	Flights     []Flight `json:"flights"`
}

// Flight is a single leg.
type Flight struct {
	ID            string  `json:"id"`
	FlightGroupID string  `json:"flightGroupId"`
	Airline       string  `json:"airline"`
	FlightNumber  string  `json:"flightNumber,omitempty"`
	From          string  `json:"from"`
	FromCity      string  `json:"fromCity,omitempty"`
	To            string  `json:"to"`
	ToCity        string  `json:"toCity,omitempty"`
	DepartureTime string  `json:"departureTime"`
	ArrivalTime   string  `json:"arrivalTime"`
	Duration      string  `json:"duration,omitempty"`
	Class         string  `json:"class,omitempty"`
	CarryOn       int     `json:"carryOn,omitempty"`
	CheckedBags   int     `json:"checkedBags,omitempty"`
	MealIncluded  string  `json:"mealIncluded,omitempty"`
	Aircraft      string  `json:"aircraft,omitempty"`
	Seat          string  `json:"seat,omitempty"`
	Price         float64 `json:"price"`
}

// Hotel is a lodging option.
type Hotel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Location      string   `json:"location,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
	Nights        int      `json:"nights"`
	PricePerNight float64  `json:"pricePerNight"`
	TotalPrice    float64  `json:"totalPrice"`
	Amenities     []string `json:"amenities,omitempty"`
}

// Restaurant is a dining suggestion.
type Restaurant struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
	PriceRange string  `json:"priceRange,omitempty"`
	Location   string  `json:"location,omitempty"`
}

// Activity is something to do at the destination.
type Activity struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Duration string  `json:"duration,omitempty"`
	Price    float64 `json:"price"`
	Location string  `json:"location,omitempty"`
}

// ItineraryDay is one day of the plan.
type ItineraryDay struct {
	ID         string   `json:"id"`
	Day        int      `json:"day"`
	Title      string   `json:"title"`
	Activities []string `json:"activities"`
}

// New returns an empty trip.
func New(now time.Time) Trip {
	return Trip{
		ID:           NewID(PrefixTrip),
		CreatedAt:    now,
		UpdatedAt:    now,
		FlightGroups: []FlightGroup{},
		Hotels:       []Hotel{},
		Restaurants:  []Restaurant{},
		Activities:   []Activity{},
		Itinerary:    []ItineraryDay{},
	}
}

// Clone returns a deep copy of t.
func (t Trip) Clone() Trip {
	c := t
	c.FlightGroups = make([]FlightGroup, len(t.FlightGroups))
	for i, g := range t.FlightGroups {
		c.FlightGroups[i] = g
		c.FlightGroups[i].Flights = slices.Clone(g.Flights)
	}
	c.Hotels = make([]Hotel, len(t.Hotels))
	for i, h := range t.Hotels {
		c.Hotels[i] = h
		c.Hotels[i].Amenities = slices.Clone(h.Amenities)
	}
	c.Restaurants = slices.Clone(t.Restaurants)
	c.Activities = slices.Clone(t.Activities)
	c.Itinerary = make([]ItineraryDay, len(t.Itinerary))
	for i, d := range t.Itinerary {
		c.Itinerary[i] = d
		c.Itinerary[i].Activities = slices.Clone(d.Activities)
	}
	return c
}

// FlightGroup returns the group with the given id.
func (t Trip) FlightGroup(id string) (FlightGroup, bool) {
	for _, g := range t.FlightGroups {
		if g.ID == id {
			return g, true
		}
	}
	return FlightGroup{}, false
}

// ErrFrozen is returned for any mutation of a shared trip.
var ErrFrozen = errors.New("trip has been shared and can no longer be changed")

// InvariantError reports a derived field that disagrees with the data
// it is derived from.
type InvariantError struct {
	Entity string
	ID     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("trip invariant violated on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// Check verifies the derived fields of every flight group. Mutations
// maintain these; a failure here means a bug, not bad input.
func (t Trip) Check() error {
	for _, g := range t.FlightGroups {
		if len(g.Flights) == 0 {
			return &InvariantError{Entity: "flight group", ID: g.ID, Detail: "group has no flights"}
		}
		for _, f := range g.Flights {
			if f.FlightGroupID != g.ID {
				return &InvariantError{Entity: "flight", ID: f.ID, Detail: "owned by group " + g.ID + " but references " + f.FlightGroupID}
			}
		}
		if len(g.Flights) < 2 {
			continue
		}
		d, _ := LayoverDuration(g.Flights)
		if want := FormatLayover(d); g.LayoverTime != want {
			return &InvariantError{Entity: "flight group", ID: g.ID, Detail: fmt.Sprintf("layover %q, want %q", g.LayoverTime, want)}
		}
	}
	return nil
}
