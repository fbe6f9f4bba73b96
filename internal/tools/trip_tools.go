package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/wanderplan/internal/trip"
)

// errUnchanged aborts an Apply whose mutation turned out to be a no-op so
// the document version does not move.
var errUnchanged = errors.New("unchanged")

// applyTrip runs fn against the session document and returns what fn
// reported alongside the new trip.
func applyTrip[Out any](ctx context.Context, fn func(trip.Trip) (trip.Trip, Out, error)) (Out, error) {
	var out Out
	doc, ok := DocumentFromContext(ctx)
	if !ok {
		return out, errNoDocument
	}
	_, err := doc.Apply(func(t trip.Trip) (trip.Trip, error) {
		next, o, err := fn(t)
		out = o
		return next, err
	})
	if errors.Is(err, errUnchanged) {
		return out, nil
	}
	return out, err
}

// IDInput names one entity to remove.
type IDInput struct {
	ID string `json:"id"`
}

// Validate implements validator.
func (in IDInput) Validate() error {
	if strings.TrimSpace(in.ID) == "" {
		return errors.New("id is required")
	}
	return nil
}

// RemoveResult reports a removal. Removed is false when nothing had that
// id; that is still a success.
type RemoveResult struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// removal adapts a pure remove function into a handler.
func removal(remove func(trip.Trip, string) (trip.Trip, bool)) Handler {
	return Typed(func(ctx context.Context, in IDInput) (RemoveResult, error) {
		return applyTrip(ctx, func(t trip.Trip) (trip.Trip, RemoveResult, error) {
			next, removed := remove(t, in.ID)
			res := RemoveResult{ID: in.ID, Removed: removed}
			if !removed {
				return t, res, errUnchanged
			}
			return next, res, nil
		})
	})
}

// AddFlightInput is the add_flight argument object.
type AddFlightInput struct {
	Flight  trip.FlightInput `json:"flight"`
	GroupID string           `json:"groupId,omitempty"`
}

// Validate implements validator.
func (in AddFlightInput) Validate() error { return in.Flight.Validate() }

// ActivitiesInput is the add_activities argument object.
type ActivitiesInput struct {
	Activities []trip.ActivityInput `json:"activities"`
}

// Validate implements validator.
func (in ActivitiesInput) Validate() error {
	if len(in.Activities) == 0 {
		return errors.New("at least one activity is required")
	}
	return validateEach(in.Activities)
}

// ItineraryInput is the add_itinerary argument object.
type ItineraryInput struct {
	Days []trip.DayInput `json:"days"`
}

// Validate implements validator.
func (in ItineraryInput) Validate() error {
	if len(in.Days) == 0 {
		return errors.New("at least one day is required")
	}
	return validateEach(in.Days)
}

func validateEach[T validator](items []T) error {
	var errs []error
	for i, item := range items {
		if err := item.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// TripView is what get_trip returns.
type TripView struct {
	Trip trip.Trip          `json:"trip"`
	Cost trip.CostBreakdown `json:"cost"`
}

var idSchema = object(map[string]any{
	"id": prop("string", "The id returned when the item was added"),
}, "id")

var flightSchema = object(map[string]any{
	"airline":       prop("string", "Airline name"),
	"flightNumber":  prop("string", "Flight number, e.g. JL 5"),
	"from":          prop("string", "Origin airport IATA code"),
	"fromCity":      prop("string", "Origin city"),
	"to":            prop("string", "Destination airport IATA code"),
	"toCity":        prop("string", "Destination city"),
	"departureTime": prop("string", "RFC 3339 timestamp with the origin airport's UTC offset, e.g. 2026-03-15T11:05:00-04:00"),
	"arrivalTime":   prop("string", "RFC 3339 timestamp with the destination airport's UTC offset"),
	"duration":      prop("string", "Flight duration, e.g. 14h 20m. Derived from the timestamps when omitted"),
	"class":         prop("string", "Fare class"),
	"carryOn":       prop("integer", "Carry-on bags included"),
	"checkedBags":   prop("integer", "Checked bags included"),
	"mealIncluded":  prop("string", "Meal service"),
	"aircraft":      prop("string", "Aircraft type"),
	"seat":          prop("string", "Seat or seat type"),
	"price":         prop("number", "Fare in USD"),
}, "airline", "from", "to", "departureTime", "arrivalTime", "price")

// RegisterTripTools registers the tools that read and change the
// session's trip document.
func (r *Registry) RegisterTripTools() {
	r.Register(&Tool{
		Name:        "write_metadata",
		Description: "Set trip-level details: destination, duration, start and end dates (YYYY-MM-DD) and the estimated total meal cost in USD. Only the fields you pass are changed.",
		Parameters: object(map[string]any{
			"destination": prop("string", "Destination, e.g. Kyoto, Japan"),
			"duration":    prop("string", "Trip length, e.g. 7 days"),
			"startDate":   prop("string", "First day, YYYY-MM-DD"),
			"endDate":     prop("string", "Last day, YYYY-MM-DD"),
			"mealCost":    prop("number", "Estimated total meal cost for the whole trip in USD"),
		}),
		Handler: Typed(func(ctx context.Context, in trip.MetadataInput) (trip.Trip, error) {
			doc, ok := DocumentFromContext(ctx)
			if !ok {
				return trip.Trip{}, errNoDocument
			}
			return doc.Apply(func(t trip.Trip) (trip.Trip, error) { return trip.WriteMetadata(t, in) })
		}),
	})

	r.Register(&Tool{
		Name: "add_flight",
		Description: "Add a flight to the trip. Without groupId a new flight group is created. " +
			"For a connecting flight, pass the groupId returned by the previous add_flight so the legs share one group; " +
			"the group's total price and layover are recomputed. Returns the updated group.",
		Parameters: object(map[string]any{
			"flight":  flightSchema,
			"groupId": prop("string", "Existing flight group id to append this leg to"),
		}, "flight"),
		Handler: Typed(func(ctx context.Context, in AddFlightInput) (trip.FlightGroup, error) {
			return applyTrip(ctx, func(t trip.Trip) (trip.Trip, trip.FlightGroup, error) {
				return trip.AddFlight(t, in.Flight, in.GroupID)
			})
		}),
	})
	r.Register(&Tool{
		Name:        "remove_flight",
		Description: "Remove a flight by id. A group left without flights is removed too.",
		Parameters:  idSchema,
		Handler:     removal(trip.RemoveFlight),
	})

	r.Register(&Tool{
		Name:        "add_hotel",
		Description: "Add a hotel. totalPrice is computed from nights and pricePerNight when omitted.",
		Parameters: object(map[string]any{
			"name":          prop("string", "Hotel name"),
			"location":      prop("string", "Neighborhood or address"),
			"rating":        prop("number", "Rating from 0 to 5"),
			"nights":        prop("integer", "Number of nights"),
			"pricePerNight": prop("number", "Nightly rate in USD"),
			"totalPrice":    prop("number", "Total stay price in USD"),
			"amenities":     arrayOf(map[string]any{"type": "string"}, "Notable amenities"),
		}, "name", "nights", "pricePerNight"),
		Handler: Typed(func(ctx context.Context, in trip.HotelInput) (trip.Hotel, error) {
			return applyTrip(ctx, func(t trip.Trip) (trip.Trip, trip.Hotel, error) { return trip.AddHotel(t, in) })
		}),
	})
	r.Register(&Tool{
		Name:        "remove_hotel",
		Description: "Remove a hotel by id.",
		Parameters:  idSchema,
		Handler:     removal(trip.RemoveHotel),
	})

	r.Register(&Tool{
		Name:        "add_restaurant",
		Description: "Add a restaurant recommendation.",
		Parameters: object(map[string]any{
			"name":       prop("string", "Restaurant name"),
			"type":       prop("string", "Cuisine"),
			"rating":     prop("number", "Rating from 0 to 5"),
			"priceRange": prop("string", "Price range, e.g. $$"),
			"location":   prop("string", "Neighborhood or address"),
		}, "name"),
		Handler: Typed(func(ctx context.Context, in trip.RestaurantInput) (trip.Restaurant, error) {
			return applyTrip(ctx, func(t trip.Trip) (trip.Trip, trip.Restaurant, error) { return trip.AddRestaurant(t, in) })
		}),
	})
	r.Register(&Tool{
		Name:        "remove_restaurant",
		Description: "Remove a restaurant by id.",
		Parameters:  idSchema,
		Handler:     removal(trip.RemoveRestaurant),
	})

	r.Register(&Tool{
		Name:        "add_activities",
		Description: "Add one or more activities. If any entry is invalid, none are added.",
		Parameters: object(map[string]any{
			"activities": arrayOf(object(map[string]any{
				"name":     prop("string", "Activity name"),
				"type":     prop("string", "Category, e.g. culture, food, nature"),
				"duration": prop("string", "Typical duration, e.g. 3h"),
				"price":    prop("number", "Price per person in USD"),
				"location": prop("string", "Where it happens"),
			}, "name", "price"), "Activities to add"),
		}, "activities"),
		Handler: Typed(func(ctx context.Context, in ActivitiesInput) ([]trip.Activity, error) {
			return applyTrip(ctx, func(t trip.Trip) (trip.Trip, []trip.Activity, error) {
				return trip.AddActivities(t, in.Activities)
			})
		}),
	})
	r.Register(&Tool{
		Name:        "remove_activity",
		Description: "Remove an activity by id.",
		Parameters:  idSchema,
		Handler:     removal(trip.RemoveActivity),
	})

	r.Register(&Tool{
		Name:        "add_itinerary",
		Description: "Add one or more itinerary days. Each day has a number, a title and the names of its activities.",
		Parameters: object(map[string]any{
			"days": arrayOf(object(map[string]any{
				"day":        prop("integer", "Day number starting at 1"),
				"title":      prop("string", "Short title for the day"),
				"activities": arrayOf(map[string]any{"type": "string"}, "Activity names in order"),
			}, "day", "title"), "Days to add"),
		}, "days"),
		Handler: Typed(func(ctx context.Context, in ItineraryInput) ([]trip.ItineraryDay, error) {
			return applyTrip(ctx, func(t trip.Trip) (trip.Trip, []trip.ItineraryDay, error) {
				return trip.AddItinerary(t, in.Days)
			})
		}),
	})
	r.Register(&Tool{
		Name:        "remove_itinerary_day",
		Description: "Remove an itinerary day by id.",
		Parameters:  idSchema,
		Handler:     removal(trip.RemoveItineraryDay),
	})

	r.Register(&Tool{
		Name:        "get_trip",
		Description: "Return the current trip with every id and the cost breakdown.",
		Parameters:  object(map[string]any{}),
		Handler: Typed(func(ctx context.Context, _ struct{}) (TripView, error) {
			doc, ok := DocumentFromContext(ctx)
			if !ok {
				return TripView{}, errNoDocument
			}
			t := doc.Snapshot()
			return TripView{Trip: t, Cost: t.Cost()}, nil
		}),
	})
}
