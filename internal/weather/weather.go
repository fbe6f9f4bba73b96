// Package weather reports current conditions and a short forecast for a
// named place using the Open-Meteo geocoding and forecast APIs.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/wanderplan/internal/httpkit"
)

const (
	DefaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// forecastDays is how many daily entries a report carries.
const forecastDays = 7

// ErrUnknownLocation is returned when geocoding finds no match.
var ErrUnknownLocation = errors.New("location not found")

// Report is the weather for one place.
type Report struct {
	Location  string  `json:"location"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"`
	Current   Current `json:"current"`
	Daily     []Day   `json:"daily"`
}

// Current holds the observed conditions.
type Current struct {
	Time        string  `json:"time"`
	Temperature float64 `json:"temperatureC"`
	WindSpeed   float64 `json:"windSpeedKmh"`
	Conditions  string  `json:"conditions"`
}

// Day is one forecast day.
type Day struct {
	Date          string  `json:"date"`
	High          float64 `json:"highC"`
	Low           float64 `json:"lowC"`
	Precipitation int     `json:"precipitationChance"`
	Conditions    string  `json:"conditions"`
}

// Client talks to Open-Meteo. It needs no API key.
type Client struct {
	geocodeURL  string
	forecastURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a client. Empty URLs fall back to the public endpoints.
func New(geocodeURL, forecastURL string, logger *slog.Logger) *Client {
	if geocodeURL == "" {
		geocodeURL = DefaultGeocodeURL
	}
	if forecastURL == "" {
		forecastURL = DefaultForecastURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		geocodeURL:  geocodeURL,
		forecastURL: forecastURL,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(15*time.Second), httpkit.WithRetry(2, time.Second)),
		logger:      logger.With("component", "weather"),
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Timezone  string  `json:"timezone"`
	} `json:"results"`
}

type forecastResponse struct {
	Timezone string `json:"timezone"`
	Current  struct {
		Time          string  `json:"time"`
		Temperature2m float64 `json:"temperature_2m"`
		WindSpeed10m  float64 `json:"wind_speed_10m"`
		WeatherCode   int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time                        []string  `json:"time"`
		WeatherCode                 []int     `json:"weather_code"`
		Temperature2mMax            []float64 `json:"temperature_2m_max"`
		Temperature2mMin            []float64 `json:"temperature_2m_min"`
		PrecipitationProbabilityMax []int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

// Lookup geocodes location and fetches its forecast.
func (c *Client) Lookup(ctx context.Context, location string) (*Report, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("location is required")
	}

	var geo geocodeResponse
	q := url.Values{"name": {location}, "count": {"1"}, "language": {"en"}, "format": {"json"}}
	if err := c.getJSON(ctx, c.geocodeURL+"?"+q.Encode(), &geo); err != nil {
		return nil, fmt.Errorf("weather: geocode: %w", err)
	}
	if len(geo.Results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, location)
	}
	place := geo.Results[0]

	q = url.Values{
		"latitude":      {strconv.FormatFloat(place.Latitude, 'f', 4, 64)},
		"longitude":     {strconv.FormatFloat(place.Longitude, 'f', 4, 64)},
		"current":       {"temperature_2m,wind_speed_10m,weather_code"},
		"daily":         {"weather_code,temperature_2m_max,temperature_2m_min,precipitation_probability_max"},
		"timezone":      {"auto"},
		"forecast_days": {strconv.Itoa(forecastDays)},
	}
	var fc forecastResponse
	if err := c.getJSON(ctx, c.forecastURL+"?"+q.Encode(), &fc); err != nil {
		return nil, fmt.Errorf("weather: forecast: %w", err)
	}

	r := &Report{
		Location:  place.Name,
		Country:   place.Country,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
		Timezone:  fc.Timezone,
		Current: Current{
			Time:        fc.Current.Time,
			Temperature: fc.Current.Temperature2m,
			WindSpeed:   fc.Current.WindSpeed10m,
			Conditions:  Describe(fc.Current.WeatherCode),
		},
	}
	if place.Admin1 != "" && place.Admin1 != place.Name {
		r.Location = place.Name + ", " + place.Admin1
	}
	d := fc.Daily
	for i, date := range d.Time {
		day := Day{Date: date}
		if i < len(d.Temperature2mMax) {
			day.High = d.Temperature2mMax[i]
		}
		if i < len(d.Temperature2mMin) {
			day.Low = d.Temperature2mMin[i]
		}
		if i < len(d.PrecipitationProbabilityMax) {
			day.Precipitation = d.PrecipitationProbabilityMax[i]
		}
		if i < len(d.WeatherCode) {
			day.Conditions = Describe(d.WeatherCode[i])
		}
		r.Daily = append(r.Daily, day)
	}

	c.logger.Debug("weather lookup", "location", r.Location, "days", len(r.Daily))
	return r, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Describe maps a WMO weather code to words.
func Describe(code int) string {
	switch code {
	case 0:
		return "clear sky"
	case 1:
		return "mainly clear"
	case 2:
		return "partly cloudy"
	case 3:
		return "overcast"
	case 45, 48:
		return "fog"
	case 51, 53, 55:
		return "drizzle"
	case 56, 57:
		return "freezing drizzle"
	case 61, 63, 65:
		return "rain"
	case 66, 67:
		return "freezing rain"
	case 71, 73, 75, 77:
		return "snow"
	case 80, 81, 82:
		return "rain showers"
	case 85, 86:
		return "snow showers"
	case 95:
		return "thunderstorm"
	case 96, 99:
		return "thunderstorm with hail"
	}
	return "unknown"
}
