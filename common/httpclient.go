package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// HttpClient is an interface for HTTP operations against the Apteligent API.
// This allows mocking or custom transport layers in testing.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
	// StdClient exposes the underlying *http.Client for libraries that
	// need one (the oauth2 token exchange).
	StdClient() *http.Client
}

// RateLimit is the failure document the API returns with a 429.
type RateLimit struct {
	Message string      `json:"message"`
	Actual  json.Number `json:"actual"`
	Limit   json.Number `json:"limit"`
	Reset   json.Number `json:"reset"`
}

// HTTPError is a custom error that captures unexpected status codes and response bodies.
type HTTPError struct {
	StatusCode int
	Body       []byte
	// RateLimit is set for 429 responses whose body could be parsed.
	RateLimit *RateLimit
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

// userAgentRoundTripper is a custom RoundTripper that adds a User-Agent header.
type userAgentRoundTripper struct {
	Wrapped   http.RoundTripper
	UserAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone request to avoid mutating the original
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.UserAgent)
	return rt.Wrapped.RoundTrip(clone)
}

// pacingRoundTripper waits on a token bucket before every request so a
// burst of concurrent sub-requests does not trip the API rate limit.
type pacingRoundTripper struct {
	Wrapped http.RoundTripper
	Limiter *rate.Limiter
}

func (rt *pacingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.Limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return rt.Wrapped.RoundTrip(req)
}

// Implementation of HttpClient that wraps a standard *http.Client.
type httpClient struct {
	client *http.Client
}

// HttpClientOptions tunes NewHttpClient. Zero values select defaults.
type HttpClientOptions struct {
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
}

// NewHttpClient returns a new HttpClient with a default 30s timeout, a custom
// User-Agent and optional request pacing.
func NewHttpClient(base *http.Client, opts HttpClientOptions) HttpClient {
	if base.Transport == nil {
		base.Transport = http.DefaultTransport
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		base.Transport = &pacingRoundTripper{
			Wrapped: base.Transport,
			Limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		}
	}
	if opts.UserAgent != "" {
		base.Transport = &userAgentRoundTripper{
			Wrapped:   base.Transport,
			UserAgent: opts.UserAgent,
		}
	}
	base.Timeout = opts.Timeout
	if base.Timeout <= 0 {
		base.Timeout = 30 * time.Second
	}

	return &httpClient{client: base}
}

func (h *httpClient) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

func (h *httpClient) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}

func (h *httpClient) StdClient() *http.Client {
	return h.client
}

// CheckResponse logs the outcome of an API interaction by status class and
// returns an *HTTPError for anything outside 2xx.
func CheckResponse(log Logger, status int, header http.Header, body []byte) error {
	switch {
	case status < 300:
		if limit := header.Get("Rate-Limit-Limit"); limit != "" {
			log.Infof("Rate limit: %s; Remaining requests: %s; Reset in %s seconds",
				limit, header.Get("Rate-Limit-Remaining"), header.Get("Rate-Limit-Reset"))
		}
		return nil
	case status < 400:
		log.Errorf("Received redirect. HTTP status code: %d", status)
	case status == http.StatusBadRequest:
		log.Errorf("Request parameters were invalid/malformed")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		log.Errorf("OAuth authentication failed. HTTP status code: %d", status)
	case status == http.StatusTooManyRequests:
		rl := parseRateLimit(body)
		log.Errorf("%s: Number of requests was %s, but limit is %s. Limit will reset in %s seconds.",
			rl.Message, orUnknown(rl.Actual), orUnknown(rl.Limit), orUnknown(rl.Reset))
		return &HTTPError{StatusCode: status, Body: body, RateLimit: rl}
	case status > 499:
		log.Errorf("Server error. HTTP status code: %d", status)
	default:
		log.Errorf("Client error. HTTP status code: %d", status)
	}
	return &HTTPError{StatusCode: status, Body: body}
}

func parseRateLimit(body []byte) *RateLimit {
	rl := &RateLimit{}
	if err := json.Unmarshal(body, rl); err != nil {
		rl = &RateLimit{}
	}
	if rl.Message == "" {
		rl.Message = "API rate limit exceeded"
	}
	return rl
}

func orUnknown(n json.Number) string {
	if n == "" {
		return "unknown"
	}
	return n.String()
}

// IsAuthFailure reports whether err is a 401/403 from the API.
func IsAuthFailure(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden)
}

// IsRateLimited reports whether err is a 429 from the API.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether a failed sub-request may be re-issued once:
// malformed-request (400) and server (5xx) responses, and transport errors
// that never produced a response.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusBadRequest || httpErr.StatusCode >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
