package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/wanderplan/internal/fetch"
	"github.com/nugget/wanderplan/internal/flights"
	"github.com/nugget/wanderplan/internal/search"
	"github.com/nugget/wanderplan/internal/weather"
)

type fakeSearcher struct {
	gotQuery string
	gotOpts  search.Options
	results  []search.Result
	err      error
}

func (f *fakeSearcher) Search(_ context.Context, q string, opts search.Options) ([]search.Result, error) {
	f.gotQuery, f.gotOpts = q, opts
	return f.results, f.err
}

type fakeReader struct{ page *fetch.Page }

func (f fakeReader) Fetch(_ context.Context, url string, maxChars int) (*fetch.Page, error) {
	p := *f.page
	p.URL = url
	p.Length = maxChars
	return &p, nil
}

type fakeFlights struct{ got flights.Query }

func (f *fakeFlights) Search(_ context.Context, q flights.Query) ([]flights.Option, error) {
	f.got = q
	return []flights.Option{{Price: 890, Stops: 1}}, nil
}

type fakeForecaster struct{}

func (fakeForecaster) Lookup(_ context.Context, location string) (*weather.Report, error) {
	return &weather.Report{Location: location, Current: weather.Current{Conditions: "rain"}}, nil
}

func TestWebSearchTool(t *testing.T) {
	s := &fakeSearcher{results: []search.Result{{Title: "Nishiki Market", URL: "https://n"}}}
	r := NewRegistry(nil)
	r.RegisterWebSearch(s)

	out, err := r.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"kyoto food market","count":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.gotQuery != "kyoto food market" || s.gotOpts.Count != 3 {
		t.Errorf("searcher got %q %+v", s.gotQuery, s.gotOpts)
	}
	var res SearchOutput
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || res.Results[0].Title != "Nishiki Market" {
		t.Errorf("results = %+v", res.Results)
	}
}

func TestWebSearchEmptyResultsIsArray(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterWebSearch(&fakeSearcher{})
	out, err := r.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"results":[]`) {
		t.Errorf("out = %s", out)
	}
}

func TestWebSearchProviderError(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterWebSearch(&fakeSearcher{err: errors.New("rate limited")})
	_, err := r.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"x"}`))
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v", err)
	}
}

func TestReadSiteTool(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterReadSite(fakeReader{page: &fetch.Page{Title: "Menu", Content: "Soba"}})

	out, err := r.Execute(context.Background(), "read_site", json.RawMessage(`{"url":"https://example.com/menu","maxChars":500}`))
	if err != nil {
		t.Fatal(err)
	}
	var p fetch.Page
	if err := json.Unmarshal(out, &p); err != nil {
		t.Fatal(err)
	}
	if p.URL != "https://example.com/menu" || p.Length != 500 || p.Title != "Menu" {
		t.Errorf("page = %+v", p)
	}

	_, err = r.Execute(context.Background(), "read_site", json.RawMessage(`{"url":" "}`))
	var ve *ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, fetch.ErrEmptyURL) {
		t.Errorf("err = %v", err)
	}
}

func TestSearchFlightsTool(t *testing.T) {
	f := &fakeFlights{}
	r := NewRegistry(nil)
	r.RegisterFlightSearch(f)

	out, err := r.Execute(context.Background(), "search_flights", json.RawMessage(`{"departure_id":"JFK","arrival_id":"NRT","outbound_date":"2026-03-15","travel_class":"BUSINESS"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.got.TravelClass != "BUSINESS" || f.got.ArrivalID != "NRT" {
		t.Errorf("query = %+v", f.got)
	}
	var res FlightSearchOutput
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Options) != 1 || res.Options[0].Price != 890 {
		t.Errorf("options = %+v", res.Options)
	}

	_, err = r.Execute(context.Background(), "search_flights", json.RawMessage(`{"departure_id":"New York","arrival_id":"NRT","outbound_date":"2026-03-15"}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}

func TestWeatherTool(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterWeather(fakeForecaster{})

	out, err := r.Execute(context.Background(), "weather", json.RawMessage(`{"location":"Osaka"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"location":"Osaka"`) || !strings.Contains(string(out), `"conditions":"rain"`) {
		t.Errorf("out = %s", out)
	}
	if _, err := r.Execute(context.Background(), "weather", json.RawMessage(`{}`)); err == nil {
		t.Error("expected validation error for missing location")
	}
}
