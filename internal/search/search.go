// Package search provides a pluggable web search interface for the
// planning agent.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration, caches recent answers, and exposes a single
// [Manager.Search] method that the tool layer calls.
package search

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "ja").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave", "exa").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	cache     *cache.Cache
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default. A positive ttl caches
// results per provider, query and options.
func NewManager(primary string, ttl time.Duration) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
	if ttl > 0 {
		m.cache = cache.New(ttl, 2*ttl)
	}
	return m
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}

	key := cacheKey(provider, query, opts)
	if m.cache != nil {
		if hit, ok := m.cache.Get(key); ok {
			return slices.Clone(hit.([]Result)), nil
		}
	}

	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(key, slices.Clone(results), cache.DefaultExpiration)
	}
	return results, nil
}

func cacheKey(provider, query string, opts Options) string {
	return strings.Join([]string{
		provider,
		strings.ToLower(strings.TrimSpace(query)),
		strconv.Itoa(opts.Count),
		opts.Language,
	}, "\x00")
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults builds a human-readable result string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
