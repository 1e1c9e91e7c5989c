// Package client is the HTTP client shared by the transfer, delegate and job
// components. It rate-limits outgoing requests and keeps a cookie jar so that
// credentialed endpoints see the same session across calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"courier/pkg/logger"

	"golang.org/x/time/rate"
)

// Config configures the client behavior.
type Config struct {
	// Timeout bounds PostJSON and PostForm calls. Streaming uploads sent
	// through Do are bounded by their context only.
	Timeout time.Duration

	// RateLimit requests per second. Zero disables limiting.
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
}

// DefaultConfig returns a client config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		RateLimit: 10,
		RateBurst: 5,
		UserAgent: "courier/1.0",
	}
}

// Client is a rate-limited HTTP client with a cookie jar.
type Client struct {
	config      Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *logger.Logger
}

// New creates a client. A nil logger uses the global logger.
func New(config Config, log *logger.Logger) (*Client, error) {
	if config.RateBurst <= 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "courier/1.0"
	}
	if log == nil {
		log = logger.Global()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(limit, config.RateBurst),
		logger:      log.WithField("component", "http-client"),
	}, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Do sends req after waiting on the rate limiter. The caller owns the
// response body. Non-2xx statuses are not treated as errors here.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.rateLimiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug("sending request", "method", req.Method, "url", req.URL.Redacted())
	return c.httpClient.Do(req)
}

// PostJSON marshals body as JSON and posts it. The returned error is an
// *HTTPError when the server answered with a non-2xx status; the response is
// returned in that case too.
func (c *Client) PostJSON(ctx context.Context, target string, body any, headers map[string]string) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	h := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	for k, v := range headers {
		h[k] = v
	}
	return c.send(ctx, http.MethodPost, target, bytes.NewReader(data), h)
}

// PostForm posts url-encoded form values.
func (c *Client) PostForm(ctx context.Context, target string, values url.Values) (*Response, error) {
	return c.send(ctx, http.MethodPost, target, strings.NewReader(values.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	})
}

func (c *Client) send(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*Response, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}
	if !response.IsSuccess() {
		return response, &HTTPError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	return response, nil
}
