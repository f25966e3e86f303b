// Package firecrawl implements the search/scrape provider adapter. Both
// operations target the same HTTP API: search returns link candidates filtered
// against a static blacklist of social/video/paywalled domains, scrape returns
// page content as markdown truncated to a fixed budget. Provider 401/402
// responses are surfaced as typed errors so the credential resolver can react.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"goa.design/scout/scout"
)

// ProviderError carries the HTTP status of a failed provider call. The agent
// loop and credential resolver inspect the status to distinguish auth (401)
// and billing (402) failures from transient transport errors.
type ProviderError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a provider 401.
func IsAuthError(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode == http.StatusUnauthorized
	}
	return err != nil && strings.Contains(err.Error(), "401")
}

// IsPaymentError reports whether err is a provider 402.
func IsPaymentError(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode == http.StatusPaymentRequired
	}
	return err != nil && strings.Contains(err.Error(), "402")
}

// DefaultBlacklist lists domains removed from search results before they reach
// the agent: social networks, video platforms and hard-paywalled outlets whose
// pages cannot be scraped into useful markdown.
var DefaultBlacklist = []string{
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"tiktok.com",
	"youtube.com",
	"reddit.com",
	"linkedin.com",
	"pinterest.com",
	"threads.net",
	"wsj.com",
	"ft.com",
	"bloomberg.com",
	"economist.com",
}

const (
	defaultBaseURL     = "https://api.firecrawl.dev/v1"
	defaultTimeout     = 60 * time.Second
	defaultCountryCode = "US"
	defaultCountryName = "United States"

	// ContentMaxLen bounds scraped markdown before it enters the agent
	// conversation.
	ContentMaxLen = 2000

	// SearchLimitMax caps the number of results per search.
	SearchLimitMax = 10
)

type (
	// Options configures the adapter.
	Options struct {
		// APIKey authenticates against the provider. Required; keys are
		// per-user, so callers construct one adapter per executor invocation.
		APIKey string
		// BaseURL overrides the provider endpoint. Defaults to the hosted API.
		BaseURL string
		// HTTPClient overrides the transport, primarily for tests.
		HTTPClient *http.Client
		// Timeout bounds each provider call. Defaults to 60s.
		Timeout time.Duration
		// Limiter optionally throttles provider calls process-wide.
		Limiter *rate.Limiter
		// Blacklist overrides DefaultBlacklist.
		Blacklist []string
		// CountryCode and CountryName default the geography appended to
		// locations that carry no explicit country.
		CountryCode string
		CountryName string
	}

	// Client calls the search/scrape provider.
	Client struct {
		key         string
		baseURL     string
		http        *http.Client
		limiter     *rate.Limiter
		blacklist   []string
		countryCode string
		countryName string
	}

	// SearchRequest describes one web search.
	SearchRequest struct {
		Query string
		// Limit caps returned results; clamped to SearchLimitMax.
		Limit int
		// TBS is the optional time-range filter (e.g. "qdr:d").
		TBS string
		// Location optionally biases results; nil or the "any" sentinel
		// means no geo bias.
		Location *scout.Location
		// MaxAge is the freshness hint in milliseconds.
		MaxAge int
		// Scrape carries the per-scout scrape options forwarded verbatim.
		Scrape *scout.ScrapeOptions
	}

	// SearchResult is one link candidate returned by search.
	SearchResult struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Description   string `json:"description"`
		PublishedTime string `json:"publishedTime,omitempty"`
		Favicon       string `json:"favicon,omitempty"`
	}

	// SearchResponse is the filtered search outcome.
	SearchResponse struct {
		Results []SearchResult `json:"results"`
		// FilteredCount reports how many blacklisted URLs were removed.
		FilteredCount int `json:"filteredCount"`
		// Query and TBS echo the effective request parameters.
		Query string `json:"query"`
		TBS   string `json:"tbs,omitempty"`
	}

	// ScrapeRequest describes one page scrape.
	ScrapeRequest struct {
		URL    string
		MaxAge int
		Scrape *scout.ScrapeOptions
	}

	// ScrapeResult is the scraped page content.
	ScrapeResult struct {
		URL        string `json:"url"`
		Title      string `json:"title,omitempty"`
		Content    string `json:"content"`
		Screenshot string `json:"screenshot,omitempty"`
		Favicon    string `json:"favicon,omitempty"`
	}
)

// New builds a provider client. The APIKey field in opts is required.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	blacklist := opts.Blacklist
	if blacklist == nil {
		blacklist = DefaultBlacklist
	}
	countryCode := opts.CountryCode
	if countryCode == "" {
		countryCode = defaultCountryCode
	}
	countryName := opts.CountryName
	if countryName == "" {
		countryName = defaultCountryName
	}
	return &Client{
		key:         opts.APIKey,
		baseURL:     baseURL,
		http:        httpClient,
		limiter:     opts.Limiter,
		blacklist:   blacklist,
		countryCode: countryCode,
		countryName: countryName,
	}, nil
}

// Blacklisted reports whether the URL's host matches the client blacklist.
func (c *Client) Blacklisted(raw string) bool {
	return hostMatches(raw, c.blacklist)
}

// Search runs a web search and filters blacklisted hosts from the results.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if req.Query == "" {
		return SearchResponse{}, errors.New("query is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > SearchLimitMax {
		limit = SearchLimitMax
	}

	body := map[string]any{
		"query":             req.Query,
		"limit":             limit,
		"ignoreInvalidURLs": true,
		"scrapeOptions":     scrapeOptionsBody(req.MaxAge, req.Scrape),
	}
	if req.TBS != "" {
		body["tbs"] = req.TBS
	}
	if loc := req.Location; loc != nil && !loc.IsAny() {
		body["location"] = c.qualifyLocation(loc.City)
		body["country"] = c.countryCode
	}

	var payload struct {
		Success bool           `json:"success"`
		Data    []SearchResult `json:"data"`
		Error   string         `json:"error"`
	}
	if err := c.post(ctx, "/search", body, &payload); err != nil {
		return SearchResponse{}, err
	}
	if !payload.Success {
		return SearchResponse{}, fmt.Errorf("search failed: %s", payload.Error)
	}

	resp := SearchResponse{Query: req.Query, TBS: req.TBS}
	for _, r := range payload.Data {
		if hostMatches(r.URL, c.blacklist) {
			resp.FilteredCount++
			continue
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

// Scrape fetches one page as markdown, truncated to ContentMaxLen characters.
func (c *Client) Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResult, error) {
	if req.URL == "" {
		return ScrapeResult{}, errors.New("url is required")
	}
	body := map[string]any{
		"url": req.URL,
		"formats": []any{
			"markdown",
			map[string]any{"type": "screenshot", "fullPage": false},
		},
		"maxAge": req.MaxAge,
	}
	applyScrapeOptions(body, req.Scrape)

	var payload struct {
		Success bool `json:"success"`
		Data    struct {
			Markdown   string `json:"markdown"`
			Screenshot string `json:"screenshot"`
			Metadata   struct {
				Title   string `json:"title"`
				Favicon string `json:"favicon"`
			} `json:"metadata"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/scrape", body, &payload); err != nil {
		return ScrapeResult{}, err
	}
	if !payload.Success {
		return ScrapeResult{}, fmt.Errorf("scrape failed: %s", payload.Error)
	}

	content := payload.Data.Markdown
	if runes := []rune(content); len(runes) > ContentMaxLen {
		content = string(runes[:ContentMaxLen])
	}
	return ScrapeResult{
		URL:        req.URL,
		Title:      payload.Data.Metadata.Title,
		Content:    content,
		Screenshot: payload.Data.Screenshot,
		Favicon:    payload.Data.Metadata.Favicon,
	}, nil
}

// qualifyLocation appends the default country to locations without one so the
// provider does not guess. A comma in the city string means the caller already
// qualified it.
func (c *Client) qualifyLocation(city string) string {
	if strings.Contains(city, ",") {
		return city
	}
	return city + ", " + c.countryName
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func scrapeOptionsBody(maxAge int, opts *scout.ScrapeOptions) map[string]any {
	body := map[string]any{"maxAge": maxAge}
	if opts == nil {
		return body
	}
	headers := headerMap(opts)
	if len(headers) > 0 {
		body["headers"] = headers
	}
	if opts.WaitFor != "" {
		body["waitFor"] = opts.WaitFor
	}
	return body
}

func applyScrapeOptions(body map[string]any, opts *scout.ScrapeOptions) {
	if opts == nil {
		return
	}
	headers := headerMap(opts)
	if len(headers) > 0 {
		body["headers"] = headers
	}
	if opts.WaitFor != "" {
		body["waitFor"] = opts.WaitFor
	}
	if opts.TimeoutMS > 0 {
		body["timeout"] = opts.TimeoutMS
	}
}

func headerMap(opts *scout.ScrapeOptions) map[string]string {
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.Cookies != "" {
		headers["Cookie"] = opts.Cookies
	}
	return headers
}

func hostMatches(raw string, blacklist []string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, domain := range blacklist {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
