package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wanderplan/internal/httpkit"
)

const exaEndpoint = "https://api.exa.ai/search"

// exaSnippetChars bounds the page text Exa returns per result.
const exaSnippetChars = 1000

// Exa implements the Provider interface for the Exa search API. Each
// result carries an excerpt of the page text as its snippet.
type Exa struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewExa creates an Exa provider.
func NewExa(apiKey string) *Exa {
	return &Exa{
		apiKey:     apiKey,
		endpoint:   exaEndpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
	}
}

func (e *Exa) Name() string { return "exa" }

type exaRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"numResults"`
	Contents   struct {
		Text struct {
			MaxCharacters int `json:"maxCharacters"`
		} `json:"text"`
	} `json:"contents"`
}

type exaResponse struct {
	Results []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Text  string `json:"text"`
	} `json:"results"`
}

func (e *Exa) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	body := exaRequest{Query: query, NumResults: opts.Count}
	if body.NumResults == 0 {
		body.NumResults = 5
	}
	body.Contents.Text.MaxCharacters = exaSnippetChars

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("exa: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("exa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exa: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exa: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var er exaResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("exa: decode response: %w", err)
	}

	results := make([]Result, 0, len(er.Results))
	for _, r := range er.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: strings.Join(strings.Fields(r.Text), " "),
		})
	}
	return results, nil
}
