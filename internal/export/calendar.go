package export

import (
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/nugget/wanderplan/internal/trip"
)

const productID = "-//wanderplan//trip export//EN"

// Calendar renders t as an iCalendar document. Flights become timed
// events in their own offsets. Hotel stays and itinerary days become
// all-day events anchored on the trip's start date and are skipped when
// it is unset. Flights with unparseable times are skipped too.
func Calendar(t trip.Trip, now time.Time) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)

	for _, g := range t.FlightGroups {
		for _, f := range g.Flights {
			dep, err1 := time.Parse(time.RFC3339, f.DepartureTime)
			arr, err2 := time.Parse(time.RFC3339, f.ArrivalTime)
			if err1 != nil || err2 != nil {
				continue
			}
			ev := newEvent(cal, f.ID, t.ID, now)
			ev.SetStartAt(dep)
			ev.SetEndAt(arr)
			ev.SetSummary(flightTitle(f))
			ev.SetLocation(f.From)
			ev.SetDescription(flightNotes(f, g))
		}
	}

	start, err := time.Parse(time.DateOnly, t.StartDate)
	if err != nil {
		return cal.Serialize()
	}

	for _, h := range t.Hotels {
		ev := newEvent(cal, h.ID, t.ID, now)
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(start.AddDate(0, 0, h.Nights))
		ev.SetSummary("Stay: " + h.Name)
		if h.Location != "" {
			ev.SetLocation(h.Location)
		}
		ev.SetDescription(fmt.Sprintf("%d nights at %.2f per night, %.2f total", h.Nights, h.PricePerNight, h.TotalPrice))
	}

	for _, d := range t.Itinerary {
		day := start.AddDate(0, 0, d.Day-1)
		ev := newEvent(cal, d.ID, t.ID, now)
		ev.SetAllDayStartAt(day)
		ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
		ev.SetSummary(fmt.Sprintf("Day %d: %s", d.Day, d.Title))
		if len(d.Activities) > 0 {
			ev.SetDescription("- " + strings.Join(d.Activities, "\n- "))
		}
	}

	return cal.Serialize()
}

func newEvent(cal *ics.Calendar, id, tripID string, now time.Time) *ics.VEvent {
	ev := cal.AddEvent(id + "@" + tripID)
	ev.SetDtStampTime(now)
	return ev
}

func flightTitle(f trip.Flight) string {
	title := f.From + " → " + f.To
	if f.Airline != "" {
		title = strings.TrimSpace(f.Airline+" "+f.FlightNumber) + ": " + title
	}
	return title
}

func flightNotes(f trip.Flight, g trip.FlightGroup) string {
	var b strings.Builder
	if g.Description != "" {
		b.WriteString(g.Description + "\n")
	}
	if f.Class != "" {
		fmt.Fprintf(&b, "Class: %s\n", f.Class)
	}
	if f.Seat != "" {
		fmt.Fprintf(&b, "Seat: %s\n", f.Seat)
	}
	if g.LayoverTime != "" && len(g.Flights) > 1 {
		fmt.Fprintf(&b, "Layover: %s\n", g.LayoverTime)
	}
	return strings.TrimSpace(b.String())
}
