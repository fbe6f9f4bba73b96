package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/wanderplan/internal/trip"
)

// SaveTrip writes the complete trip. Children are replaced so the stored
// rows always mirror the given snapshot. A zero sharedAt leaves the trip
// unshared.
func (s *Store) SaveTrip(ctx context.Context, t trip.Trip, sharedAt time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback() //nolint:errcheck // the original error wins
		}
	}()

	var shared sql.NullString
	if !sharedAt.IsZero() {
		shared = sql.NullString{String: formatTime(sharedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trips (id, destination, duration, start_date, end_date, meal_cost, created_at, updated_at, shared_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			destination = excluded.destination,
			duration    = excluded.duration,
			start_date  = excluded.start_date,
			end_date    = excluded.end_date,
			meal_cost   = excluded.meal_cost,
			updated_at  = excluded.updated_at,
			shared_at   = COALESCE(trips.shared_at, excluded.shared_at)`,
		t.ID, t.Destination, t.Duration, t.StartDate, t.EndDate, t.EstimatedMealCost,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), shared,
	)
	if err != nil {
		return fmt.Errorf("upsert trip: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM flights WHERE group_id IN (SELECT id FROM flight_groups WHERE trip_id = ?)`, t.ID)
	if err != nil {
		return fmt.Errorf("clear flights: %w", err)
	}
	for _, table := range []string{"flight_groups", "hotels", "restaurants", "activities", "itinerary_days"} {
		// table names are constants from the list above
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE trip_id = ?", t.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for gi, g := range t.FlightGroups {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO flight_groups (id, trip_id, position, description, total_price, layover_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, t.ID, gi, g.Description, g.TotalPrice, g.LayoverTime)
		if err != nil {
			return fmt.Errorf("insert flight group %s: %w", g.ID, err)
		}
		for fi, f := range g.Flights {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO flights (id, group_id, position, airline, flight_number, origin, origin_city,
					destination, dest_city, departure_time, arrival_time, duration, class, carry_on,
					checked_bags, meal_included, aircraft, seat, price)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.ID, g.ID, fi, f.Airline, f.FlightNumber, f.From, f.FromCity,
				f.To, f.ToCity, f.DepartureTime, f.ArrivalTime, f.Duration, f.Class, f.CarryOn,
				f.CheckedBags, f.MealIncluded, f.Aircraft, f.Seat, f.Price)
			if err != nil {
				return fmt.Errorf("insert flight %s: %w", f.ID, err)
			}
		}
	}
	for i, h := range t.Hotels {
		amenities, _ := json.Marshal(nonNil(h.Amenities))
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hotels (id, trip_id, position, name, location, rating, nights, price_per_night, total_price, amenities)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, t.ID, i, h.Name, h.Location, h.Rating, h.Nights, h.PricePerNight, h.TotalPrice, string(amenities))
		if err != nil {
			return fmt.Errorf("insert hotel %s: %w", h.ID, err)
		}
	}
	for i, r := range t.Restaurants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO restaurants (id, trip_id, position, name, type, rating, price_range, location)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, t.ID, i, r.Name, r.Type, r.Rating, r.PriceRange, r.Location)
		if err != nil {
			return fmt.Errorf("insert restaurant %s: %w", r.ID, err)
		}
	}
	for i, a := range t.Activities {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO activities (id, trip_id, position, name, type, duration, price, location)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, t.ID, i, a.Name, a.Type, a.Duration, a.Price, a.Location)
		if err != nil {
			return fmt.Errorf("insert activity %s: %w", a.ID, err)
		}
	}
	for i, d := range t.Itinerary {
		acts, _ := json.Marshal(nonNil(d.Activities))
		_, err = tx.ExecContext(ctx,
			`INSERT INTO itinerary_days (id, trip_id, position, day, title, activities)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, t.ID, i, d.Day, d.Title, string(acts))
		if err != nil {
			return fmt.Errorf("insert itinerary day %s: %w", d.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit trip %s: %w", t.ID, err)
	}
	return nil
}

// Trip loads a trip and when it was shared (zero if never).
func (s *Store) Trip(ctx context.Context, id string) (trip.Trip, time.Time, error) {
	var (
		t                trip.Trip
		created, updated string
		shared           sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, destination, duration, start_date, end_date, meal_cost, created_at, updated_at, shared_at
		 FROM trips WHERE id = ?`, id,
	).Scan(&t.ID, &t.Destination, &t.Duration, &t.StartDate, &t.EndDate, &t.EstimatedMealCost, &created, &updated, &shared)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.Trip{}, time.Time{}, ErrNotFound
	}
	if err != nil {
		return trip.Trip{}, time.Time{}, fmt.Errorf("query trip: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	var sharedAt time.Time
	if shared.Valid {
		sharedAt = parseTime(shared.String)
	}

	if t.FlightGroups, err = s.flightGroups(ctx, id); err != nil {
		return trip.Trip{}, time.Time{}, err
	}
	if t.Hotels, err = s.hotels(ctx, id); err != nil {
		return trip.Trip{}, time.Time{}, err
	}
	if t.Restaurants, err = s.restaurants(ctx, id); err != nil {
		return trip.Trip{}, time.Time{}, err
	}
	if t.Activities, err = s.activities(ctx, id); err != nil {
		return trip.Trip{}, time.Time{}, err
	}
	if t.Itinerary, err = s.itinerary(ctx, id); err != nil {
		return trip.Trip{}, time.Time{}, err
	}
	return t, sharedAt, nil
}

// DeleteTrip removes a trip with all its children and sessions.
func (s *Store) DeleteTrip(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) flightGroups(ctx context.Context, tripID string) ([]trip.FlightGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.description, g.total_price, g.layover_time,
			f.id, f.airline, f.flight_number, f.origin, f.origin_city, f.destination, f.dest_city,
			f.departure_time, f.arrival_time, f.duration, f.class, f.carry_on, f.checked_bags,
			f.meal_included, f.aircraft, f.seat, f.price
		 FROM flight_groups g JOIN flights f ON f.group_id = g.id
		 WHERE g.trip_id = ?
		 ORDER BY g.position, f.position`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer rows.Close()

	groups := []trip.FlightGroup{}
	for rows.Next() {
		var (
			g trip.FlightGroup
			f trip.Flight
		)
		if err := rows.Scan(&g.ID, &g.Description, &g.TotalPrice, &g.LayoverTime,
			&f.ID, &f.Airline, &f.FlightNumber, &f.From, &f.FromCity, &f.To, &f.ToCity,
			&f.DepartureTime, &f.ArrivalTime, &f.Duration, &f.Class, &f.CarryOn, &f.CheckedBags,
			&f.MealIncluded, &f.Aircraft, &f.Seat, &f.Price); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		f.FlightGroupID = g.ID
		if n := len(groups); n > 0 && groups[n-1].ID == g.ID {
			groups[n-1].Flights = append(groups[n-1].Flights, f)
			continue
		}
		g.Flights = []trip.Flight{f}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) hotels(ctx context.Context, tripID string) ([]trip.Hotel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, location, rating, nights, price_per_night, total_price, amenities
		 FROM hotels WHERE trip_id = ? ORDER BY position`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query hotels: %w", err)
	}
	defer rows.Close()

	out := []trip.Hotel{}
	for rows.Next() {
		var (
			h         trip.Hotel
			amenities string
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Location, &h.Rating, &h.Nights, &h.PricePerNight, &h.TotalPrice, &amenities); err != nil {
			return nil, fmt.Errorf("scan hotel: %w", err)
		}
		if err := json.Unmarshal([]byte(amenities), &h.Amenities); err != nil {
			return nil, fmt.Errorf("decode amenities of %s: %w", h.ID, err)
		}
		if len(h.Amenities) == 0 {
			h.Amenities = nil
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) restaurants(ctx context.Context, tripID string) ([]trip.Restaurant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, rating, price_range, location
		 FROM restaurants WHERE trip_id = ? ORDER BY position`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query restaurants: %w", err)
	}
	defer rows.Close()

	out := []trip.Restaurant{}
	for rows.Next() {
		var r trip.Restaurant
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Rating, &r.PriceRange, &r.Location); err != nil {
			return nil, fmt.Errorf("scan restaurant: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) activities(ctx context.Context, tripID string) ([]trip.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, duration, price, location
		 FROM activities WHERE trip_id = ? ORDER BY position`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	out := []trip.Activity{}
	for rows.Next() {
		var a trip.Activity
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Duration, &a.Price, &a.Location); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) itinerary(ctx context.Context, tripID string) ([]trip.ItineraryDay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, day, title, activities
		 FROM itinerary_days WHERE trip_id = ? ORDER BY position`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query itinerary: %w", err)
	}
	defer rows.Close()

	out := []trip.ItineraryDay{}
	for rows.Next() {
		var (
			d    trip.ItineraryDay
			acts string
		)
		if err := rows.Scan(&d.ID, &d.Day, &d.Title, &acts); err != nil {
			return nil, fmt.Errorf("scan itinerary day: %w", err)
		}
		if err := json.Unmarshal([]byte(acts), &d.Activities); err != nil {
			return nil, fmt.Errorf("decode activities of %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
