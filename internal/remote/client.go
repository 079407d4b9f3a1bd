// Package remote talks to the spreadsheet-backed script endpoint: JSON action
// posts, the full table snapshot returned on GET, and row inserts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConfigured is returned when no endpoint URL has been set.
	ErrNotConfigured = errors.New("remote endpoint is not configured")
	// ErrNetwork is returned when the endpoint cannot be reached.
	ErrNetwork = errors.New("network error")
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrMalformedResponse is returned for HTML or otherwise undecodable bodies.
	ErrMalformedResponse = errors.New("malformed response from endpoint")
	// ErrRejected is returned when the endpoint answers with status "error".
	ErrRejected = errors.New("request rejected by endpoint")
	// ErrInvalidCredentials is returned for a failed login.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrNoUsers is returned by login when the user table is empty.
	ErrNoUsers = errors.New("no users found in database")
)

// DefaultSubmitTimeout bounds a single submission post.
const DefaultSubmitTimeout = 15 * time.Second

const maxResponseSize = 64 << 20

// RemoteError is an error envelope returned by the endpoint.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("endpoint error %s: %s", e.Code, e.Message)
	}
	return "endpoint error: " + e.Message
}

// Unwrap maps known error codes onto sentinel errors.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case "INVALID_CREDENTIALS":
		return ErrInvalidCredentials
	case "NO_USERS":
		return ErrNoUsers
	default:
		return ErrRejected
	}
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Options configures a Client.
type Options struct {
	// SubmitTimeout bounds row-insert posts (default: 15s).
	SubmitTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client is a client for the remote script endpoint.
type Client struct {
	mu            sync.RWMutex
	endpoint      string
	httpClient    *http.Client
	submitTimeout time.Duration
	now           func() time.Time
	metrics       *metrics.PrometheusMetrics
	logger        zerolog.Logger
}

// NewClient creates a new endpoint client. endpoint may be empty and set later.
func NewClient(endpoint string, httpClient *http.Client, opts Options, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		endpoint:      endpoint,
		httpClient:    httpClient,
		submitTimeout: opts.SubmitTimeout,
		now:           opts.Now,
		logger:        logger.With().Str("component", "remote_client").Logger(),
	}
}

// SetMetrics attaches Prometheus collectors.
func (c *Client) SetMetrics(m *metrics.PrometheusMetrics) {
	c.metrics = m
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetEndpoint replaces the endpoint URL.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
}

// Ping checks that the endpoint host answers. Any HTTP response counts as
// reachable; only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	resp.Body.Close()
	return nil
}

// Submit posts a row-insert payload with the fixed submission timeout.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	body, err := c.do(ctx, http.MethodPost, payload)
	if err != nil {
		return err
	}

	// Bodies without an envelope count as accepted.
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Status == "error" {
		return &RemoteError{Message: env.Message, Code: env.Code}
	}
	return nil
}

// post sends an action payload and decodes a success response into out.
func (c *Client) post(ctx context.Context, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, data)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Status != "success" {
		return &RemoteError{Message: env.Message, Code: env.Code}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode result: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, payload []byte) ([]byte, error) {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return nil, ErrNotConfigured
	}

	var reqBody io.Reader
	if method == http.MethodGet {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set("t", strconv.FormatInt(c.now().UnixMilli(), 10))
		u.RawQuery = q.Encode()
		endpoint = u.String()
	} else {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		// text/plain keeps browsers and the script runtime from preflighting.
		req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	}

	operation := "action"
	if method == http.MethodGet {
		operation = "snapshot"
	}
	start := time.Now()
	defer func() {
		c.metrics.ObserveRemoteRequest(operation, time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: endpoint returned status %d", ErrNetwork, resp.StatusCode)
	}

	if isHTML(body) {
		return nil, fmt.Errorf("%w: endpoint returned HTML", ErrMalformedResponse)
	}

	return body, nil
}

func isHTML(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n\uFEFF")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// classify maps transport failures onto ErrTimeout or ErrNetwork.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// IsOffline reports whether err means the endpoint could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConfigured)
}
