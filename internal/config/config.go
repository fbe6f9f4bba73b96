// Package config handles wanderplan configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wanderplan/config.yaml, /etc/wanderplan/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wanderplan", "config.yaml"))
	}

	paths = append(paths, "/etc/wanderplan/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wanderplan configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Agent     AgentConfig     `yaml:"agent"`
	Search    SearchConfig    `yaml:"search"`
	Flights   FlightsConfig   `yaml:"flights"`
	Weather   WeatherConfig   `yaml:"weather"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Share     ShareConfig     `yaml:"share"`

	// Pricing maps model names to per-million-token prices (USD) used
	// for the usage cost estimate. Models not listed cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which model serves turns and where each model lives.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI API settings. BaseURL allows pointing at
// any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	// StepBudget caps model calls per turn invocation. Default 25.
	StepBudget int `yaml:"step_budget"`

	// ConfirmationTimeout resolves an unanswered confirmation as declined
	// once it has been pending this long. Zero waits indefinitely.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// ConfirmTools names the tools that need a user yes/no before they
	// run. Nil means the default set (every remove_* tool); an explicit
	// empty list disables the gate.
	ConfirmTools []string `yaml:"confirm_tools"`

	// SystemPromptFile replaces the built-in system prompt when set.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// NotesFile is appended to the built-in system prompt. Ignored when
	// SystemPromptFile is set.
	NotesFile string `yaml:"notes_file"`
}

// SearchConfig configures the web_search tool backends.
type SearchConfig struct {
	Default  string        `yaml:"default"` // searxng, brave or exa
	CacheTTL time.Duration `yaml:"cache_ttl"`
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    APIKeyConfig  `yaml:"brave"`
	Exa      APIKeyConfig  `yaml:"exa"`
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// APIKeyConfig is a provider that only needs a key.
type APIKeyConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a key is set.
func (c APIKeyConfig) Configured() bool { return c.APIKey != "" }

// FlightsConfig configures the Google Flights lookup via RapidAPI.
type FlightsConfig struct {
	RapidAPIKey string        `yaml:"rapidapi_key"`
	Host        string        `yaml:"host"`
	Currency    string        `yaml:"currency"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// WeatherConfig configures the Open-Meteo weather lookup.
type WeatherConfig struct {
	Enabled     bool   `yaml:"enabled"`
	GeocodeURL  string `yaml:"geocode_url"`
	ForecastURL string `yaml:"forecast_url"`
}

// MQTTConfig configures the optional event publisher. Empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ShareConfig controls links to shared trips.
type ShareConfig struct {
	// BaseURL is the public prefix for shared trip links, for example
	// https://plan.example.com/trips. Defaults to the listen address.
	BaseURL string `yaml:"base_url"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration that runs against a local Ollama.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:8b",
			Available: []ModelConfig{
				{Name: "qwen3:8b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.StepBudget == 0 {
		c.Agent.StepBudget = 25
	}
	if c.Agent.ConfirmTools == nil {
		c.Agent.ConfirmTools = DefaultConfirmTools()
	}
	if c.Search.CacheTTL == 0 {
		c.Search.CacheTTL = 10 * time.Minute
	}
	if c.Search.Default == "" {
		switch {
		case c.Search.SearXNG.URL != "":
			c.Search.Default = "searxng"
		case c.Search.Brave.Configured():
			c.Search.Default = "brave"
		case c.Search.Exa.Configured():
			c.Search.Default = "exa"
		}
	}
	if c.Flights.Host == "" {
		c.Flights.Host = "google-flights2.p.rapidapi.com"
	}
	if c.Flights.Currency == "" {
		c.Flights.Currency = "USD"
	}
	if c.Flights.CacheTTL == 0 {
		c.Flights.CacheTTL = 15 * time.Minute
	}
	if c.Weather.GeocodeURL == "" {
		c.Weather.GeocodeURL = "https://geocoding-api.open-meteo.com/v1/search"
	}
	if c.Weather.ForecastURL == "" {
		c.Weather.ForecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "wanderplan"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "wanderplan"
	}
}

// DefaultConfirmTools is the tool set gated behind a user confirmation
// when the config does not name one.
func DefaultConfirmTools() []string {
	return []string{
		"remove_flight",
		"remove_hotel",
		"remove_restaurant",
		"remove_activity",
		"remove_itinerary_day",
	}
}

// Validate reports configuration errors that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.StepBudget < 1 {
		errs = append(errs, fmt.Errorf("agent.step_budget must be positive, got %d", c.Agent.StepBudget))
	}
	if c.Agent.ConfirmationTimeout < 0 {
		errs = append(errs, errors.New("agent.confirmation_timeout must not be negative"))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch strings.ToLower(m.Provider) {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	switch c.Search.Default {
	case "", "searxng", "brave", "exa":
	default:
		errs = append(errs, fmt.Errorf("search.default: unknown provider %q", c.Search.Default))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ProviderFor returns the provider configured for a model, or "" if the
// model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return strings.ToLower(m.Provider)
		}
	}
	return ""
}
