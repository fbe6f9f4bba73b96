package trip

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// HotelInput is a hotel proposed by the model. TotalPrice is optional;
// when absent or zero it is derived from nights and nightly rate.
type HotelInput struct {
	Name          string   `json:"name"`
	Location      string   `json:"location,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
	Nights        int      `json:"nights"`
	PricePerNight float64  `json:"pricePerNight"`
	TotalPrice    float64  `json:"totalPrice,omitempty"`
	Amenities     []string `json:"amenities,omitempty"`
}

// Validate implements the input contract for hotels.
func (in HotelInput) Validate() error {
	var errs []error
	errs = append(errs,
		required("name", in.Name),
		rating(in.Rating),
		nonNegative("pricePerNight", in.PricePerNight),
		nonNegative("totalPrice", in.TotalPrice),
	)
	if in.Nights <= 0 {
		errs = append(errs, errors.New("nights must be positive"))
	}
	return errors.Join(errs...)
}

// AddHotel appends a hotel with a fresh id.
func AddHotel(t Trip, in HotelInput) (Trip, Hotel, error) {
	if err := in.Validate(); err != nil {
		return t, Hotel{}, err
	}
	h := Hotel{
		ID:            NewID(PrefixHotel),
		Name:          in.Name,
		Location:      in.Location,
		Rating:        in.Rating,
		Nights:        in.Nights,
		PricePerNight: in.PricePerNight,
		TotalPrice:    in.TotalPrice,
		Amenities:     append([]string(nil), in.Amenities...),
	}
	if h.TotalPrice <= 0 {
		h.TotalPrice = roundCents(float64(h.Nights) * h.PricePerNight)
	}
	t = t.Clone()
	t.Hotels = append(t.Hotels, h)
	return t, h, nil
}

// RemoveHotel filters out the hotel with id.
func RemoveHotel(t Trip, id string) (Trip, bool) {
	if !lo.ContainsBy(t.Hotels, func(h Hotel) bool { return h.ID == id }) {
		return t, false
	}
	t = t.Clone()
	t.Hotels = lo.Reject(t.Hotels, func(h Hotel, _ int) bool { return h.ID == id })
	return t, true
}

// RestaurantInput is a restaurant proposed by the model.
type RestaurantInput struct {
	Name       string  `json:"name"`
	Type       string  `json:"type,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
	PriceRange string  `json:"priceRange,omitempty"`
	Location   string  `json:"location,omitempty"`
}

// Validate implements the input contract for restaurants.
func (in RestaurantInput) Validate() error {
	return errors.Join(required("name", in.Name), rating(in.Rating))
}

// AddRestaurant appends a restaurant with a fresh id.
func AddRestaurant(t Trip, in RestaurantInput) (Trip, Restaurant, error) {
	if err := in.Validate(); err != nil {
		return t, Restaurant{}, err
	}
	r := Restaurant{
		ID:         NewID(PrefixRestaurant),
		Name:       in.Name,
		Type:       in.Type,
		Rating:     in.Rating,
		PriceRange: in.PriceRange,
		Location:   in.Location,
	}
	t = t.Clone()
	t.Restaurants = append(t.Restaurants, r)
	return t, r, nil
}

// RemoveRestaurant filters out the restaurant with id.
func RemoveRestaurant(t Trip, id string) (Trip, bool) {
	if !lo.ContainsBy(t.Restaurants, func(r Restaurant) bool { return r.ID == id }) {
		return t, false
	}
	t = t.Clone()
	t.Restaurants = lo.Reject(t.Restaurants, func(r Restaurant, _ int) bool { return r.ID == id })
	return t, true
}

// ActivityInput is an activity proposed by the model.
type ActivityInput struct {
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Duration string  `json:"duration,omitempty"`
	Price    float64 `json:"price"`
	Location string  `json:"location,omitempty"`
}

// Validate implements the input contract for activities.
func (in ActivityInput) Validate() error {
	return errors.Join(required("name", in.Name), nonNegative("price", in.Price))
}

// AddActivities appends a batch of activities. Either all are added or,
// if any entry is invalid, none are.
func AddActivities(t Trip, in []ActivityInput) (Trip, []Activity, error) {
	if len(in) == 0 {
		return t, nil, errors.New("at least one activity is required")
	}
	if err := validateBatch(in); err != nil {
		return t, nil, err
	}
	added := lo.Map(in, func(a ActivityInput, _ int) Activity {
		return Activity{
			ID:       NewID(PrefixActivity),
			Name:     a.Name,
			Type:     a.Type,
			Duration: a.Duration,
			Price:    a.Price,
			Location: a.Location,
		}
	})
	t = t.Clone()
	t.Activities = append(t.Activities, added...)
	return t, added, nil
}

// RemoveActivity filters out the activity with id.
func RemoveActivity(t Trip, id string) (Trip, bool) {
	if !lo.ContainsBy(t.Activities, func(a Activity) bool { return a.ID == id }) {
		return t, false
	}
	t = t.Clone()
	t.Activities = lo.Reject(t.Activities, func(a Activity, _ int) bool { return a.ID == id })
	return t, true
}

// DayInput is one itinerary day proposed by the model.
type DayInput struct {
	Day        int      `json:"day"`
	Title      string   `json:"title"`
	Activities []string `json:"activities,omitempty"`
}

// Validate implements the input contract for itinerary days.
func (in DayInput) Validate() error {
	var errs []error
	errs = append(errs, required("title", in.Title))
	if in.Day <= 0 {
		errs = append(errs, errors.New("day must be positive"))
	}
	return errors.Join(errs...)
}

// AddItinerary appends a batch of days atomically.
func AddItinerary(t Trip, in []DayInput) (Trip, []ItineraryDay, error) {
	if len(in) == 0 {
		return t, nil, errors.New("at least one day is required")
	}
	if err := validateBatch(in); err != nil {
		return t, nil, err
	}
	added := lo.Map(in, func(d DayInput, _ int) ItineraryDay {
		acts := append([]string(nil), d.Activities...)
		if acts == nil {
			acts = []string{}
		}
		return ItineraryDay{ID: NewID(PrefixDay), Day: d.Day, Title: d.Title, Activities: acts}
	})
	t = t.Clone()
	t.Itinerary = append(t.Itinerary, added...)
	return t, added, nil
}

// RemoveItineraryDay filters out the day with id.
func RemoveItineraryDay(t Trip, id string) (Trip, bool) {
	if !lo.ContainsBy(t.Itinerary, func(d ItineraryDay) bool { return d.ID == id }) {
		return t, false
	}
	t = t.Clone()
	t.Itinerary = lo.Reject(t.Itinerary, func(d ItineraryDay, _ int) bool { return d.ID == id })
	return t, true
}

// --- Metadata ---

// MetadataInput carries the document-level fields to change. Nil fields
// are left as they are.
type MetadataInput struct {
	Destination *string  `json:"destination,omitempty"`
	Duration    *string  `json:"duration,omitempty"`
	StartDate   *string  `json:"startDate,omitempty"`
	EndDate     *string  `json:"endDate,omitempty"`
	MealCost    *float64 `json:"mealCost,omitempty"`
}

// Validate implements the input contract for metadata.
func (in MetadataInput) Validate() error {
	var errs []error
	if in.MealCost != nil {
		errs = append(errs, nonNegative("mealCost", *in.MealCost))
	}
	if in.StartDate != nil && *in.StartDate != "" {
		errs = append(errs, date("startDate", *in.StartDate))
	}
	if in.EndDate != nil && *in.EndDate != "" {
		errs = append(errs, date("endDate", *in.EndDate))
	}
	return errors.Join(errs...)
}

// WriteMetadata merges the provided fields into t.
func WriteMetadata(t Trip, in MetadataInput) (Trip, error) {
	if err := in.Validate(); err != nil {
		return t, err
	}
	t = t.Clone()
	if in.Destination != nil {
		t.Destination = *in.Destination
	}
	if in.Duration != nil {
		t.Duration = *in.Duration
	}
	if in.StartDate != nil {
		t.StartDate = *in.StartDate
	}
	if in.EndDate != nil {
		t.EndDate = *in.EndDate
	}
	if in.MealCost != nil {
		t.EstimatedMealCost = *in.MealCost
	}
	return t, nil
}

// --- Validation helpers ---

func validateBatch[T interface{ Validate() error }](items []T) error {
	var errs []error
	for i, item := range items {
		if err := item.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

func rating(v float64) error {
	if v < 0 || v > 5 {
		return fmt.Errorf("rating must be between 0 and 5, got %g", v)
	}
	return nil
}

func timestamp(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		return fmt.Errorf("%s must be an ISO 8601 timestamp with offset: %q", field, v)
	}
	return nil
}

func date(field, v string) error {
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return fmt.Errorf("%s must be YYYY-MM-DD: %q", field, v)
	}
	return nil
}
