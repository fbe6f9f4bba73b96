package flights

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleResponse = `{
  "status": true,
  "message": "Success",
  "data": {
    "itineraries": {
      "topFlights": [{
        "departure_time": "15-03-2026 11:05 AM",
        "arrival_time": "16-03-2026 03:25 PM",
        "duration": {"raw": 860, "text": "14 hr 20 min"},
        "flights": [{
          "departure_airport": {"airport_name": "John F. Kennedy International Airport", "airport_code": "JFK", "time": "2026-3-15 11:05"},
          "arrival_airport": {"airport_name": "Narita International Airport", "airport_code": "NRT", "time": "2026-3-16 15:25"},
          "duration_label": "14 hr 20 min",
          "airline": "Japan Airlines",
          "flight_number": "JL 5",
          "aircraft": "Boeing 787",
          "legroom": "31 in"
        }],
        "bags": {"carry_on": 1, "checked": 2},
        "price": 1240,
        "stops": 0
      }],
      "otherFlights": [{
        "departure_time": "15-03-2026 08:00 AM",
        "arrival_time": "16-03-2026 06:10 PM",
        "duration": {"raw": 1090, "text": "18 hr 10 min"},
        "flights": [
          {"departure_airport": {"airport_code": "JFK"}, "arrival_airport": {"airport_code": "ICN"}, "airline": "Korean Air", "flight_number": "KE 82"},
          {"departure_airport": {"airport_code": "ICN"}, "arrival_airport": {"airport_code": "NRT"}, "airline": "Korean Air", "flight_number": "KE 705"}
        ],
        "layovers": [{"airport_code": "ICN", "city": "Seoul", "duration_label": " 2 hr 5 min "}],
        "bags": {"carry_on": null, "checked": null},
        "price": 890,
        "stops": 1
      }]
    }
  }
}`

func newTestClient(t *testing.T, h http.HandlerFunc, ttl time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: "rk", CacheTTL: ttl})
	c.baseURL = srv.URL
	return c
}

func TestSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/searchFlights" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-rapidapi-key") != "rk" || r.Header.Get("x-rapidapi-host") != DefaultHost {
			t.Errorf("headers = %v", r.Header)
		}
		q := r.URL.Query()
		for k, want := range map[string]string{
			"departure_id":  "JFK",
			"arrival_id":    "NRT",
			"outbound_date": "2026-03-15",
			"travel_class":  "ECONOMY",
			"adults":        "1",
			"currency":      "USD",
		} {
			if got := q.Get(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
		if q.Has("return_date") {
			t.Error("return_date should be omitted for one-way searches")
		}
		w.Write([]byte(sampleResponse))
	}, 0)

	opts, err := c.Search(context.Background(), Query{DepartureID: "JFK", ArrivalID: "NRT", OutboundDate: "2026-03-15"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2", len(opts))
	}

	top := opts[0]
	if !top.Top || top.Price != 1240 || top.Duration != "14 hr 20 min" {
		t.Errorf("top option = %+v", top)
	}
	if len(top.Legs) != 1 || top.Legs[0].From != "JFK" || top.Legs[0].ToName != "Narita International Airport" {
		t.Errorf("top legs = %+v", top.Legs)
	}
	if top.CheckedBags == nil || *top.CheckedBags != 2 {
		t.Errorf("checked bags = %v", top.CheckedBags)
	}

	other := opts[1]
	if other.Top || other.Stops != 1 || len(other.Legs) != 2 {
		t.Errorf("other option = %+v", other)
	}
	if len(other.Layovers) != 1 || other.Layovers[0].Duration != "2 hr 5 min" || other.Layovers[0].City != "Seoul" {
		t.Errorf("layovers = %+v", other.Layovers)
	}
	if other.CarryOnBags != nil {
		t.Errorf("carry-on = %v, want nil", *other.CarryOnBags)
	}
}

func TestSearchCachesByQuery(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(sampleResponse))
	}, time.Minute)

	q := Query{DepartureID: "JFK", ArrivalID: "NRT", OutboundDate: "2026-03-15"}
	for range 3 {
		if _, err := c.Search(context.Background(), q); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	q.ReturnDate = "2026-03-29"
	if _, err := c.Search(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("a different query should miss the cache, calls = %d", calls.Load())
	}
}

func TestSearchErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"You are not subscribed to this API."}`))
		}, 0)
		_, err := c.Search(context.Background(), Query{DepartureID: "JFK", ArrivalID: "NRT", OutboundDate: "2026-03-15"})
		if err == nil || !strings.Contains(err.Error(), "403") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("status false", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":false,"message":"no flights"}`))
		}, 0)
		_, err := c.Search(context.Background(), Query{DepartureID: "JFK", ArrivalID: "NRT", OutboundDate: "2026-03-15"})
		if err == nil || !strings.Contains(err.Error(), "no flights") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestQueryValidate(t *testing.T) {
	valid := Query{DepartureID: "SFO", ArrivalID: "CDG", OutboundDate: "2026-06-01"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}

	tests := []struct {
		name string
		mod  func(*Query)
		want string
	}{
		{"lowercase code", func(q *Query) { q.DepartureID = "sfo" }, "departure_id"},
		{"city name", func(q *Query) { q.ArrivalID = "Paris" }, "arrival_id"},
		{"bad date", func(q *Query) { q.OutboundDate = "06/01/2026" }, "outbound_date"},
		{"bad return", func(q *Query) { q.ReturnDate = "soon" }, "return_date"},
		{"class", func(q *Query) { q.TravelClass = "COACH" }, "travel_class"},
		{"search type", func(q *Query) { q.SearchType = "fastest" }, "search_type"},
		{"negative", func(q *Query) { q.Children = -1 }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := valid
			tt.mod(&q)
			err := q.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSearchRejectsInvalidQueryWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }, 0)
	if _, err := c.Search(context.Background(), Query{}); err == nil {
		t.Fatal("expected validation error")
	}
	if calls.Load() != 0 {
		t.Errorf("made %d requests for an invalid query", calls.Load())
	}
}
