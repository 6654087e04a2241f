// Package imagery fetches street-level images from the external provider's
// static image API, one request per (location, heading), authenticated by an
// API key drawn from the credential pool.
package imagery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://maps.googleapis.com/maps/api/streetview"
	defaultSize    = "640x640"
)

// ErrNotFound means the provider has no imagery for the location. Not
// retryable: the unit is counted as failed.
var ErrNotFound = errors.New("imagery: no image for location")

// ErrRateLimited means the provider throttled the key. Retryable.
var ErrRateLimited = errors.New("imagery: rate limited")

// TransientError wraps 5xx and network failures. Retryable with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("imagery: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Retryable reports whether the download worker should retry the request.
func Retryable(err error) bool {
	var te *TransientError
	return errors.Is(err, ErrRateLimited) || errors.As(err, &te)
}

// Fetcher is the surface the download worker depends on.
type Fetcher interface {
	Fetch(ctx context.Context, apiKey string, lat, lon float64, heading int) ([]byte, error)
}

// Client implements Fetcher against the provider's HTTP API.
type Client struct {
	client  *http.Client
	baseURL string
	size    string
}

func New(opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
		size:    defaultSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithSize(size string) Option {
	return func(c *Client) { c.size = size }
}

// Fetch requests one image. No retries here: the caller owns the retry
// policy and quota accounting.
func (c *Client) Fetch(ctx context.Context, apiKey string, lat, lon float64, heading int) ([]byte, error) {
	params := url.Values{}
	params.Set("size", c.size)
	params.Set("location", fmt.Sprintf("%.6f,%.6f", lat, lon))
	params.Set("heading", strconv.Itoa(heading))
	params.Set("key", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("imagery: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("imagery: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if len(body) == 0 {
		return nil, &TransientError{Err: errors.New("empty image body")}
	}
	return body, nil
}
