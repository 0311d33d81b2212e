package apteligent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/model"
)

// ApteligentClient defines lower-level HTTP operations for the Apteligent
// REST API: bearer tokens, status checking and a single re-authenticated
// retry when the API rejects the token.
type ApteligentClient interface {
	GetJSON(ctx context.Context, endpoint string, params map[string]string, entity interface{}) error
	PostJSON(ctx context.Context, endpoint string, params map[string]string, body interface{}, entity interface{}) error
	DoRequest(ctx context.Context, method, urlStr string, body []byte, expectedStatus ...int) ([]byte, error)
}

type apteligentClient struct {
	baseURL    string
	httpClient common.HttpClient
	authClient common.AuthClient
	log        common.Logger
	calls      *prometheus.CounterVec
}

// NewApteligentClient creates a client for the API rooted at baseURL.
// authClient may be nil for unauthenticated calls. reg receives the call
// counters; nil leaves them unregistered.
func NewApteligentClient(baseURL string, httpClient common.HttpClient, authClient common.AuthClient, log common.Logger, reg prometheus.Registerer) ApteligentClient {
	return &apteligentClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		authClient: authClient,
		log:        log,
		calls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "apteligent_importer",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Apteligent API requests by outcome.",
		}, []string{"outcome"}),
	}
}

// GetJSON retrieves JSON from an endpoint and unmarshals into entity.
func (c *apteligentClient) GetJSON(ctx context.Context, endpoint string, params map[string]string, entity interface{}) error {
	urlStr, err := c.buildURL(endpoint, params)
	if err != nil {
		return err
	}
	data, err := c.DoRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	return unmarshalJSON(data, entity)
}

// PostJSON posts body as JSON (nil sends no body) and unmarshals the reply
// into entity.
func (c *apteligentClient) PostJSON(ctx context.Context, endpoint string, params map[string]string, body interface{}, entity interface{}) error {
	urlStr, err := c.buildURL(endpoint, params)
	if err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	data, err := c.DoRequest(ctx, http.MethodPost, urlStr, payload)
	if err != nil {
		return err
	}
	return unmarshalJSON(data, entity)
}

// DoRequest is the core method that actually performs the HTTP request.
func (c *apteligentClient) DoRequest(ctx context.Context, method, urlStr string, body []byte, expectedStatus ...int) ([]byte, error) {
	if len(expectedStatus) == 0 {
		expectedStatus = []int{http.StatusOK}
	}

	var token *oauth2.Token
	if c.authClient != nil {
		var err error
		if token, err = c.authClient.Token(ctx); err != nil {
			c.calls.WithLabelValues("auth_failure").Inc()
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
	}

	data, status, header, err := c.executeRequest(ctx, method, urlStr, token, body)
	if err != nil {
		c.calls.WithLabelValues("transport_error").Inc()
		return nil, err
	}

	// The cached token was rejected: fetch a new one and retry once.
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && c.authClient != nil {
		c.log.Warnf("Token rejected with status %d for %s %s, requesting a new one", status, method, urlStr)
		newToken, refreshErr := c.authClient.NewToken(ctx)
		if refreshErr != nil || newToken == nil {
			c.calls.WithLabelValues("auth_failure").Inc()
			return nil, fmt.Errorf("token refresh failed: %w", refreshErr)
		}
		data, status, header, err = c.executeRequest(ctx, method, urlStr, newToken, body)
		if err != nil {
			c.calls.WithLabelValues("transport_error").Inc()
			return nil, err
		}
	}

	switch {
	case status >= 200 && status < 300:
		c.calls.WithLabelValues("success").Inc()
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.calls.WithLabelValues("auth_failure").Inc()
	case status == http.StatusTooManyRequests:
		c.calls.WithLabelValues("rate_limited").Inc()
	default:
		c.calls.WithLabelValues("failure").Inc()
	}

	if err := common.CheckResponse(c.log, status, header, data); err != nil {
		return nil, err
	}
	if !statusMatches(status, expectedStatus) {
		return nil, &common.HTTPError{StatusCode: status, Body: data}
	}
	return data, nil
}

// executeRequest actually does the low-level HTTP
func (c *apteligentClient) executeRequest(ctx context.Context, method, urlStr string, token *oauth2.Token, body []byte) ([]byte, int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != nil && token.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	c.log.Debugf(">REQUEST %s %s BODY: %s", method, urlStr, body)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("failed to read response body: %w", readErr)
	}
	c.log.Debugf("<RESPONSE %d %s BODY: %s", resp.StatusCode, urlStr, data)
	return data, resp.StatusCode, resp.Header, nil
}

// buildURL merges baseURL + endpoint + params
func (c *apteligentClient) buildURL(endpoint string, params map[string]string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	path, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	fullURL := base.ResolveReference(path)
	q := fullURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	fullURL.RawQuery = q.Encode()
	return fullURL.String(), nil
}

func statusMatches(statusCode int, expected []int) bool {
	for _, s := range expected {
		if statusCode == s {
			return true
		}
	}
	return false
}

// unmarshalJSON helper
func unmarshalJSON(data []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := model.JSONUnmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
