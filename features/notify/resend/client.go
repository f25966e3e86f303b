// Package resend implements the transactional email sender over the Resend
// HTTP API. Delivery is fire-and-forget from the pipeline's perspective:
// callers log failures but never fail a run on them.
package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.resend.com"
	defaultTimeout = 60 * time.Second
)

// Options configures the email sender.
type Options struct {
	// APIKey authenticates against the API. Required.
	APIKey string
	// From is the sender address. Required.
	From string
	// BaseURL overrides the API endpoint, primarily for tests.
	BaseURL string
	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// Client sends transactional email.
type Client struct {
	key     string
	from    string
	baseURL string
	http    *http.Client
}

// New builds an email sender from the provided options.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if opts.From == "" {
		return nil, errors.New("from address is required")
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{key: opts.APIKey, from: opts.From, baseURL: baseURL, http: httpClient}, nil
}

// Send delivers one HTML email.
func (c *Client) Send(ctx context.Context, to, subject, html string) error {
	if to == "" {
		return errors.New("recipient is required")
	}
	body, err := json.Marshal(map[string]any{
		"from":    c.from,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("send email: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
