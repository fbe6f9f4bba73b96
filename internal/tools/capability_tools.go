package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/nugget/wanderplan/internal/fetch"
	"github.com/nugget/wanderplan/internal/flights"
	"github.com/nugget/wanderplan/internal/search"
	"github.com/nugget/wanderplan/internal/weather"
)

// Searcher is the web search capability. Implemented by search.Manager.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// PageReader downloads readable page text. Implemented by fetch.Fetcher.
type PageReader interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// FlightSearcher is the flight lookup capability. Implemented by
// flights.Client.
type FlightSearcher interface {
	Search(ctx context.Context, q flights.Query) ([]flights.Option, error)
}

// Forecaster is the weather capability. Implemented by weather.Client.
type Forecaster interface {
	Lookup(ctx context.Context, location string) (*weather.Report, error)
}

// SearchInput is the web_search argument object.
type SearchInput struct {
	Query    string `json:"query"`
	Count    int    `json:"count,omitempty"`
	Language string `json:"language,omitempty"`
}

// Validate implements validator.
func (in SearchInput) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return errors.New("query is required")
	}
	if in.Count < 0 || in.Count > 20 {
		return errors.New("count must be between 0 and 20")
	}
	return nil
}

// SearchOutput is what web_search returns.
type SearchOutput struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

// ReadSiteInput is the read_site argument object.
type ReadSiteInput struct {
	URL      string `json:"url"`
	MaxChars int    `json:"maxChars,omitempty"`
}

// Validate implements validator.
func (in ReadSiteInput) Validate() error {
	if strings.TrimSpace(in.URL) == "" {
		return fetch.ErrEmptyURL
	}
	if in.MaxChars < 0 {
		return errors.New("maxChars must not be negative")
	}
	return nil
}

// WeatherInput is the weather argument object.
type WeatherInput struct {
	Location string `json:"location"`
}

// Validate implements validator.
func (in WeatherInput) Validate() error {
	if strings.TrimSpace(in.Location) == "" {
		return errors.New("location is required")
	}
	return nil
}

// FlightSearchOutput is what search_flights returns.
type FlightSearchOutput struct {
	Options []flights.Option `json:"options"`
}

// RegisterWebSearch adds the web_search tool.
func (r *Registry) RegisterWebSearch(s Searcher) {
	r.Register(&Tool{
		Name: "web_search",
		Description: "Search the web for destinations, hotels, restaurants, activities, opening hours and travel advice. " +
			"Never use this for flights; use search_flights instead.",
		Parameters: object(map[string]any{
			"query":    prop("string", "The search query"),
			"count":    prop("integer", "Number of results (default 5, max 20)"),
			"language": prop("string", "ISO 639-1 language code, e.g. en or ja"),
		}, "query"),
		Handler: Typed(func(ctx context.Context, in SearchInput) (SearchOutput, error) {
			results, err := s.Search(ctx, in.Query, search.Options{Count: in.Count, Language: in.Language})
			if err != nil {
				return SearchOutput{}, err
			}
			if results == nil {
				results = []search.Result{}
			}
			return SearchOutput{Query: in.Query, Results: results}, nil
		}),
	})
}

// RegisterReadSite adds the read_site tool.
func (r *Registry) RegisterReadSite(f PageReader) {
	r.Register(&Tool{
		Name:        "read_site",
		Description: "Fetch a web page and return its readable text, for example a hotel page or a restaurant menu found with web_search.",
		Parameters: object(map[string]any{
			"url":      prop("string", "The page URL"),
			"maxChars": prop("integer", "Maximum characters of text to return (default 20000)"),
		}, "url"),
		Handler: Typed(func(ctx context.Context, in ReadSiteInput) (*fetch.Page, error) {
			return f.Fetch(ctx, in.URL, in.MaxChars)
		}),
	})
}

// RegisterFlightSearch adds the search_flights tool.
func (r *Registry) RegisterFlightSearch(f FlightSearcher) {
	r.Register(&Tool{
		Name: "search_flights",
		Description: "Search live flight options between two airports on a date. Returns priced itineraries with legs and layovers. " +
			"Use the airport times exactly as returned when adding flights.",
		Parameters: object(map[string]any{
			"departure_id":   prop("string", "Origin airport IATA code, e.g. JFK"),
			"arrival_id":     prop("string", "Destination airport IATA code, e.g. NRT"),
			"outbound_date":  prop("string", "Departure date, YYYY-MM-DD"),
			"return_date":    prop("string", "Return date for round trips, YYYY-MM-DD"),
			"travel_class":   enum("Cabin class (default ECONOMY)", "ECONOMY", "PREMIUM_ECONOMY", "BUSINESS", "FIRST"),
			"adults":         prop("integer", "Adult passengers (default 1)"),
			"children":       prop("integer", "Child passengers"),
			"infant_on_lap":  prop("integer", "Infants on lap"),
			"infant_in_seat": prop("integer", "Infants in seat"),
			"currency":       prop("string", "Currency code (default USD)"),
			"search_type":    enum("Ranking: best or cheap", "best", "cheap"),
		}, "departure_id", "arrival_id", "outbound_date"),
		Handler: Typed(func(ctx context.Context, in flights.Query) (FlightSearchOutput, error) {
			opts, err := f.Search(ctx, in)
			if err != nil {
				return FlightSearchOutput{}, err
			}
			if opts == nil {
				opts = []flights.Option{}
			}
			return FlightSearchOutput{Options: opts}, nil
		}),
	})
}

// RegisterWeather adds the weather tool.
func (r *Registry) RegisterWeather(w Forecaster) {
	r.Register(&Tool{
		Name:        "weather",
		Description: "Get current weather and a 7-day forecast for any location. Use this tool for all weather-related queries.",
		Parameters: object(map[string]any{
			"location": prop("string", "The city or location to get weather for"),
		}, "location"),
		Handler: Typed(func(ctx context.Context, in WeatherInput) (*weather.Report, error) {
			return w.Lookup(ctx, in.Location)
		}),
	})
}
