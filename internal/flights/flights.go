// Package flights looks up live flight options from the Google Flights
// API published on RapidAPI.
package flights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nugget/wanderplan/internal/httpkit"
)

// DefaultHost is the RapidAPI host of the Google Flights API.
const DefaultHost = "google-flights2.p.rapidapi.com"

// maxOptions caps how many itineraries are handed back to the model.
const maxOptions = 10

var (
	iataPattern = regexp.MustCompile(`^[A-Z0-9]{3}$`)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Travel classes accepted by the API.
var travelClasses = map[string]bool{
	"ECONOMY":         true,
	"PREMIUM_ECONOMY": true,
	"BUSINESS":        true,
	"FIRST":           true,
}

// Query describes a flight search.
type Query struct {
	DepartureID  string `json:"departure_id"`
	ArrivalID    string `json:"arrival_id"`
	OutboundDate string `json:"outbound_date"`
	ReturnDate   string `json:"return_date,omitempty"`
	TravelClass  string `json:"travel_class,omitempty"`
	Adults       int    `json:"adults,omitempty"`
	Children     int    `json:"children,omitempty"`
	InfantOnLap  int    `json:"infant_on_lap,omitempty"`
	InfantInSeat int    `json:"infant_in_seat,omitempty"`
	Currency     string `json:"currency,omitempty"`
	SearchType   string `json:"search_type,omitempty"` // best or cheap
}

// Validate checks the query before any request is made.
func (q Query) Validate() error {
	var errs []error
	if !iataPattern.MatchString(q.DepartureID) {
		errs = append(errs, fmt.Errorf("departure_id must be a 3-letter IATA code, got %q", q.DepartureID))
	}
	if !iataPattern.MatchString(q.ArrivalID) {
		errs = append(errs, fmt.Errorf("arrival_id must be a 3-letter IATA code, got %q", q.ArrivalID))
	}
	if !datePattern.MatchString(q.OutboundDate) {
		errs = append(errs, fmt.Errorf("outbound_date must be YYYY-MM-DD, got %q", q.OutboundDate))
	}
	if q.ReturnDate != "" && !datePattern.MatchString(q.ReturnDate) {
		errs = append(errs, fmt.Errorf("return_date must be YYYY-MM-DD, got %q", q.ReturnDate))
	}
	if q.TravelClass != "" && !travelClasses[q.TravelClass] {
		errs = append(errs, fmt.Errorf("unknown travel_class %q", q.TravelClass))
	}
	if q.SearchType != "" && q.SearchType != "best" && q.SearchType != "cheap" {
		errs = append(errs, fmt.Errorf("search_type must be best or cheap, got %q", q.SearchType))
	}
	if q.Adults < 0 || q.Children < 0 || q.InfantOnLap < 0 || q.InfantInSeat < 0 {
		errs = append(errs, errors.New("passenger counts must not be negative"))
	}
	return errors.Join(errs...)
}

func (q Query) values(defaultCurrency string) url.Values {
	v := url.Values{
		"departure_id":   {q.DepartureID},
		"arrival_id":     {q.ArrivalID},
		"outbound_date":  {q.OutboundDate},
		"travel_class":   {cmpOr(q.TravelClass, "ECONOMY")},
		"adults":         {strconv.Itoa(max(q.Adults, 1))},
		"children":       {strconv.Itoa(q.Children)},
		"infant_on_lap":  {strconv.Itoa(q.InfantOnLap)},
		"infant_in_seat": {strconv.Itoa(q.InfantInSeat)},
		"show_hidden":    {"0"},
		"currency":       {cmpOr(q.Currency, defaultCurrency)},
		"language_code":  {"en-US"},
		"country_code":   {"US"},
	}
	if q.ReturnDate != "" {
		v.Set("return_date", q.ReturnDate)
	}
	if q.SearchType != "" {
		v.Set("search_type", q.SearchType)
	}
	return v
}

func cmpOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Option is one itinerary returned by a search.
type Option struct {
	Price         float64   `json:"price"`
	Stops         int       `json:"stops"`
	Duration      string    `json:"duration"`
	DepartureTime string    `json:"departure_time"`
	ArrivalTime   string    `json:"arrival_time"`
	CarryOnBags   *int      `json:"carry_on_bags,omitempty"`
	CheckedBags   *int      `json:"checked_bags,omitempty"`
	Top           bool      `json:"top,omitempty"`
	Legs          []Leg     `json:"legs"`
	Layovers      []Layover `json:"layovers,omitempty"`
}

// Leg is a single flight within an option.
type Leg struct {
	Airline       string `json:"airline"`
	FlightNumber  string `json:"flight_number"`
	From          string `json:"from"`
	FromName      string `json:"from_name"`
	DepartureTime string `json:"departure_time"`
	To            string `json:"to"`
	ToName        string `json:"to_name"`
	ArrivalTime   string `json:"arrival_time"`
	Duration      string `json:"duration"`
	Aircraft      string `json:"aircraft,omitempty"`
	Seat          string `json:"seat,omitempty"`
	Legroom       string `json:"legroom,omitempty"`
}

// Layover is a connection between two legs.
type Layover struct {
	Airport  string `json:"airport"`
	City     string `json:"city,omitempty"`
	Duration string `json:"duration"`
}

// Client queries the flights API.
type Client struct {
	apiKey     string
	host       string
	baseURL    string
	currency   string
	httpClient *http.Client
	cache      *cache.Cache
	logger     *slog.Logger
}

// Config configures a Client.
type Config struct {
	APIKey   string
	Host     string
	Currency string
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// New creates a flights client.
func New(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		host:       cfg.Host,
		baseURL:    "https://" + cfg.Host,
		currency:   cfg.Currency,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(2, 2*time.Second)),
		logger:     cfg.Logger.With("component", "flights"),
	}
	if cfg.CacheTTL > 0 {
		c.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return c
}

// --- wire types ---

type apiResponse struct {
	Status  bool `json:"status"`
	Message any  `json:"message"`
	Data    struct {
		Itineraries struct {
			TopFlights   []apiFlight `json:"topFlights"`
			OtherFlights []apiFlight `json:"otherFlights"`
		} `json:"itineraries"`
	} `json:"data"`
}

type apiFlight struct {
	DepartureTime string `json:"departure_time"`
	ArrivalTime   string `json:"arrival_time"`
	Duration      struct {
		Raw  int    `json:"raw"`
		Text string `json:"text"`
	} `json:"duration"`
	Flights []struct {
		DepartureAirport apiAirport `json:"departure_airport"`
		ArrivalAirport   apiAirport `json:"arrival_airport"`
		DurationLabel    string     `json:"duration_label"`
		Airline          string     `json:"airline"`
		FlightNumber     string     `json:"flight_number"`
		Aircraft         string     `json:"aircraft"`
		Seat             string     `json:"seat"`
		Legroom          string     `json:"legroom"`
	} `json:"flights"`
	Layovers []struct {
		AirportCode   string `json:"airport_code"`
		City          string `json:"city"`
		DurationLabel string `json:"duration_label"`
	} `json:"layovers"`
	Bags struct {
		CarryOn *int `json:"carry_on"`
		Checked *int `json:"checked"`
	} `json:"bags"`
	Price float64 `json:"price"`
	Stops int     `json:"stops"`
}

type apiAirport struct {
	AirportName string `json:"airport_name"`
	AirportCode string `json:"airport_code"`
	Time        string `json:"time"`
}

// Search runs q and returns up to ten options, top picks first.
func (c *Client) Search(ctx context.Context, q Query) ([]Option, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	params := q.values(c.currency)
	key := params.Encode()
	if c.cache != nil {
		if hit, ok := c.cache.Get(key); ok {
			c.logger.Debug("flight search cache hit", "route", q.DepartureID+"-"+q.ArrivalID)
			return hit.([]Option), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/searchFlights?"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("flights: build request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.host)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flights: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flights: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("flights: decode response: %w", err)
	}
	if !ar.Status {
		return nil, fmt.Errorf("flights: search failed: %v", ar.Message)
	}

	var options []Option
	for _, f := range ar.Data.Itineraries.TopFlights {
		options = append(options, toOption(f, true))
	}
	for _, f := range ar.Data.Itineraries.OtherFlights {
		options = append(options, toOption(f, false))
	}
	if len(options) > maxOptions {
		options = options[:maxOptions]
	}

	c.logger.Info("flight search",
		"route", q.DepartureID+"-"+q.ArrivalID,
		"date", q.OutboundDate,
		"options", len(options),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if c.cache != nil {
		c.cache.Set(key, options, cache.DefaultExpiration)
	}
	return options, nil
}

func toOption(f apiFlight, top bool) Option {
	o := Option{
		Price:         f.Price,
		Stops:         f.Stops,
		Duration:      f.Duration.Text,
		DepartureTime: f.DepartureTime,
		ArrivalTime:   f.ArrivalTime,
		CarryOnBags:   f.Bags.CarryOn,
		CheckedBags:   f.Bags.Checked,
		Top:           top,
		Legs:          make([]Leg, 0, len(f.Flights)),
	}
	for _, l := range f.Flights {
		o.Legs = append(o.Legs, Leg{
			Airline:       l.Airline,
			FlightNumber:  l.FlightNumber,
			From:          l.DepartureAirport.AirportCode,
			FromName:      l.DepartureAirport.AirportName,
			DepartureTime: l.DepartureAirport.Time,
			To:            l.ArrivalAirport.AirportCode,
			ToName:        l.ArrivalAirport.AirportName,
			ArrivalTime:   l.ArrivalAirport.Time,
			Duration:      l.DurationLabel,
			Aircraft:      l.Aircraft,
			Seat:          l.Seat,
			Legroom:       l.Legroom,
		})
	}
	for _, l := range f.Layovers {
		o.Layovers = append(o.Layovers, Layover{
			Airport:  l.AirportCode,
			City:     l.City,
			Duration: strings.TrimSpace(l.DurationLabel),
		})
	}
	return o
}
