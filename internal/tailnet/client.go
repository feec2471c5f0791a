// Package tailnet is a client for the parts of the Tailscale control-plane
// API used to provision a machine: auth keys and the policy file.
package tailnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public control-plane API.
	DefaultBaseURL = "https://api.tailscale.com/api/v2"
	// Maximum response body accepted from the API.
	maxResponseSize = 1 << 20
	// Per-request timeout of the default HTTP client.
	requestTimeout = 30 * time.Second
	userAgent      = "bootstrap/1.0"
)

// Client talks to one tailnet with one API key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tailnet    string
	apiKey     string
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, such as a local control plane.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *Client) {
		c.userAgent = agent
	}
}

// New returns a Client. The API key is sent as a bearer token and never logged.
func New(tailnet, apiKey string, opts ...Option) (*Client, error) {
	tailnet = strings.TrimSpace(tailnet)
	apiKey = strings.TrimSpace(apiKey)
	if tailnet == "" {
		return nil, errors.New("tailnet name is required")
	}
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    DefaultBaseURL,
		tailnet:    tailnet,
		apiKey:     apiKey,
		userAgent:  userAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	return c, nil
}

// Tailnet returns the tailnet this client manages.
func (c *Client) Tailnet() string {
	return c.tailnet
}

type response struct {
	header http.Header
	body   []byte
	status int
}

func (c *Client) tailnetPath(resource string) string {
	return "/tailnet/" + url.PathEscape(c.tailnet) + "/" + resource
}

// do sends one request and reads the bounded body. Any non-2xx status
// becomes an *APIError; a transport failure matches ErrRemoteAPI too.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*response, error) {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", ErrRemoteAPI, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARN] Error closing response body: %v", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	log.Printf("[DEBUG] %s %s: status %d (%d bytes) in %v", method, path, resp.StatusCode, len(data), time.Since(start))

	if len(data) > maxResponseSize {
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: "response body too large"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// errorMessage extracts the message field of an API error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	const maxMessage = 200
	text := strings.TrimSpace(string(body))
	if len(text) > maxMessage {
		text = text[:maxMessage] + "..."
	}
	return text
}
