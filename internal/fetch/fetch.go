// Package fetch downloads a web page and reduces it to readable text for
// the read_site tool, stripping navigation, scripts and other boilerplate.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/wanderplan/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 20000

// ErrEmptyURL is returned when no URL is given.
var ErrEmptyURL = errors.New("url is required")

// Page holds the fetched and extracted content of a URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(2, time.Second),
		),
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads rawURL and extracts its readable text. maxChars limits
// the output length in characters; 0 uses DefaultMaxChars. A scheme-less
// URL is fetched over https. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if u, err := url.Parse(rawURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	page := &Page{URL: rawURL, ContentType: resp.Header.Get("Content-Type")}
	switch {
	case isHTML(page.ContentType):
		doc := extractHTML(string(body))
		page.Title, page.Description, page.Content = doc.title, doc.description, doc.text
	case isPlainText(page.ContentType), utf8.Valid(body):
		page.Content = string(body)
	default:
		page.Content = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
		page.Length = len(body)
		return page, nil
	}

	if utf8.RuneCountInString(page.Content) > maxChars {
		page.Content = truncateRunes(page.Content, maxChars)
		page.Truncated = true
	}
	page.Length = utf8.RuneCountInString(page.Content)
	return page, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
