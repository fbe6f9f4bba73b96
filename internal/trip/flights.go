package trip

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"
)

// FlightInput is a flight as proposed by the model, before it is given
// an identity.
type FlightInput struct {
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

// Validate checks the fields a flight cannot do without.
func (in FlightInput) Validate() error {
	var errs []error
	errs = append(errs,
		required("airline", in.Airline),
		required("from", in.From),
		required("to", in.To),
		timestamp("departureTime", in.DepartureTime),
		timestamp("arrivalTime", in.ArrivalTime),
		nonNegative("price", in.Price),
	)
	if in.CarryOn < 0 || in.CheckedBags < 0 {
		errs = append(errs, errors.New("baggage counts must not be negative"))
	}
	return errors.Join(errs...)
}

// AddFlight appends a flight to the group groupID, or to a new group when
// groupID is empty or unknown. The group's total and layover are
// recomputed and the updated group is returned.
func AddFlight(t Trip, in FlightInput, groupID string) (Trip, FlightGroup, error) {
	if err := in.Validate(); err != nil {
		return t, FlightGroup{}, err
	}
	t = t.Clone()

	idx := -1
	if groupID != "" {
		_, idx, _ = lo.FindIndexOf(t.FlightGroups, func(g FlightGroup) bool { return g.ID == groupID })
	}
	if idx < 0 {
		t.FlightGroups = append(t.FlightGroups, FlightGroup{
			ID:          NewID(PrefixFlightGroup),
			Description: describeRoute(in),
		})
		idx = len(t.FlightGroups) - 1
	}

	g := &t.FlightGroups[idx]
	f := Flight{
		ID:            NewID(PrefixFlight),
		FlightGroupID: g.ID,
		Airline:       in.Airline,
		FlightNumber:  in.FlightNumber,
		From:          in.From,
		FromCity:      in.FromCity,
		To:            in.To,
		ToCity:        in.ToCity,
		DepartureTime: in.DepartureTime,
		ArrivalTime:   in.ArrivalTime,
		Duration:      in.Duration,
		Class:         in.Class,
		CarryOn:       in.CarryOn,
		CheckedBags:   in.CheckedBags,
		MealIncluded:  in.MealIncluded,
		Aircraft:      in.Aircraft,
		Seat:          in.Seat,
		Price:         in.Price,
	}
	if f.Duration == "" {
		f.Duration = flightDuration(in.DepartureTime, in.ArrivalTime)
	}
	g.Flights = append(g.Flights, f)
	recomputeGroup(g)
	return t, *g, nil
}

// RemoveFlight deletes a flight wherever it is. A group left without
// flights is deleted too. removed is false when no flight had that id.
func RemoveFlight(t Trip, flightID string) (next Trip, removed bool) {
	gi := -1
	for i, g := range t.FlightGroups {
		if lo.ContainsBy(g.Flights, func(f Flight) bool { return f.ID == flightID }) {
			gi = i
			break
		}
	}
	if gi < 0 {
		return t, false
	}

	t = t.Clone()
	g := &t.FlightGroups[gi]
	g.Flights = lo.Reject(g.Flights, func(f Flight, _ int) bool { return f.ID == flightID })
	if len(g.Flights) == 0 {
		t.FlightGroups = append(t.FlightGroups[:gi], t.FlightGroups[gi+1:]...)
		return t, true
	}
	recomputeGroup(g)
	return t, true
}

// NormalizeGroup fills in derived fields of a group loaded from storage.
// A stored positive total is an explicit override and is kept.
func NormalizeGroup(g FlightGroup) FlightGroup {
	g.Flights = lo.Map(g.Flights, func(f Flight, _ int) Flight {
		f.FlightGroupID = g.ID
		return f
	})
	override := g.TotalPrice
	recomputeGroup(&g)
	if override > 0 {
		g.TotalPrice = override
	}
	return g
}

func recomputeGroup(g *FlightGroup) {
	g.TotalPrice = roundCents(lo.SumBy(g.Flights, func(f Flight) float64 { return f.Price }))
	if len(g.Flights) < 2 {
		g.LayoverTime = ""
		return
	}
	d, anomalies := LayoverDuration(g.Flights)
	for _, a := range anomalies {
		slog.Warn("layover anomaly",
			"flight_group", g.ID,
			"arriving", a.Arriving,
			"departing", a.Departing,
			"problem", a.Problem,
		)
	}
	g.LayoverTime = FormatLayover(d)
}

// LayoverAnomaly describes a consecutive flight pair whose gap could not
// be counted.
type LayoverAnomaly struct {
	Arriving  string
	Departing string
	Problem   string
}

// LayoverDuration sums the ground time between consecutive flights in
// list order. A pair with a negative gap or an unparseable timestamp
// contributes zero and is reported as an anomaly.
func LayoverDuration(flights []Flight) (time.Duration, []LayoverAnomaly) {
	var (
		total     time.Duration
		anomalies []LayoverAnomaly
	)
	for i := 0; i+1 < len(flights); i++ {
		cur, next := flights[i], flights[i+1]
		arr, err1 := time.Parse(time.RFC3339, cur.ArrivalTime)
		dep, err2 := time.Parse(time.RFC3339, next.DepartureTime)
		if err := errors.Join(err1, err2); err != nil {
			anomalies = append(anomalies, LayoverAnomaly{Arriving: cur.ID, Departing: next.ID, Problem: "unparseable timestamp"})
			continue
		}
		gap := dep.Sub(arr)
		if gap < 0 {
			anomalies = append(anomalies, LayoverAnomaly{
				Arriving:  cur.ID,
				Departing: next.ID,
				Problem:   fmt.Sprintf("departure %s before arrival", -gap),
			})
			continue
		}
		total += gap
	}
	return total, anomalies
}

// FormatLayover renders d as "{hours}h {minutes}m".
func FormatLayover(d time.Duration) string {
	mins := int(d / time.Minute)
	return fmt.Sprintf("%dh %dm", mins/60, mins%60)
}

func flightDuration(departure, arrival string) string {
	dep, err1 := time.Parse(time.RFC3339, departure)
	arr, err2 := time.Parse(time.RFC3339, arrival)
	if err1 != nil || err2 != nil || arr.Before(dep) {
		return ""
	}
	return FormatLayover(arr.Sub(dep))
}

func describeRoute(in FlightInput) string {
	from := lo.CoalesceOrEmpty(in.FromCity, in.From)
	to := lo.CoalesceOrEmpty(in.ToCity, in.To)
	return from + " to " + to
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
