package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newServer(t *testing.T, geocode string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /geo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "" {
			t.Error("geocode request without name")
		}
		w.Write([]byte(geocode))
	})
	mux.HandleFunc("GET /forecast", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("latitude") != "35.0211" || q.Get("longitude") != "135.7538" {
			t.Errorf("coordinates = %s,%s", q.Get("latitude"), q.Get("longitude"))
		}
		w.Write([]byte(`{
			"timezone": "Asia/Tokyo",
			"current": {"time": "2026-04-02T14:00", "temperature_2m": 17.4, "wind_speed_10m": 9.1, "weather_code": 2},
			"daily": {
				"time": ["2026-04-02", "2026-04-03"],
				"weather_code": [2, 61],
				"temperature_2m_max": [19.2, 15.0],
				"temperature_2m_min": [8.1, 9.4],
				"precipitation_probability_max": [10, 85]
			}
		}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLookup(t *testing.T) {
	srv := newServer(t, `{"results":[{"name":"Kyoto","country":"Japan","admin1":"Kyoto","latitude":35.02107,"longitude":135.7538,"timezone":"Asia/Tokyo"}]}`)
	c := New(srv.URL+"/geo", srv.URL+"/forecast", nil)

	r, err := c.Lookup(context.Background(), "Kyoto")
	if err != nil {
		t.Fatal(err)
	}
	if r.Location != "Kyoto" || r.Country != "Japan" {
		t.Errorf("location = %q, %q", r.Location, r.Country)
	}
	if r.Current.Temperature != 17.4 || r.Current.Conditions != "partly cloudy" {
		t.Errorf("current = %+v", r.Current)
	}
	if len(r.Daily) != 2 {
		t.Fatalf("daily = %+v", r.Daily)
	}
	if d := r.Daily[1]; d.Conditions != "rain" || d.Precipitation != 85 || d.Low != 9.4 {
		t.Errorf("day 2 = %+v", d)
	}
}

func TestLookupUnknownLocation(t *testing.T) {
	srv := newServer(t, `{}`)
	c := New(srv.URL+"/geo", srv.URL+"/forecast", nil)

	_, err := c.Lookup(context.Background(), "Atlantis")
	if !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("err = %v, want ErrUnknownLocation", err)
	}
}

func TestLookupEmpty(t *testing.T) {
	c := New("", "", nil)
	if _, err := c.Lookup(context.Background(), "  "); err == nil {
		t.Error("expected error for empty location")
	}
}

func TestDescribe(t *testing.T) {
	for code, want := range map[int]string{0: "clear sky", 3: "overcast", 73: "snow", 99: "thunderstorm with hail", 42: "unknown"} {
		if got := Describe(code); got != want {
			t.Errorf("Describe(%d) = %q, want %q", code, got, want)
		}
	}
}
