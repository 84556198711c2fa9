// Package metasync provides a client for the MetaSync change-feed API
package metasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/metrics"
	"github.com/desguace/partsync/ratelimit"
)

// Endpoints
const (
	EndpointVehicleChanges = "RecuperarCambiosVehiculosCanal"
	EndpointPartChanges    = "RecuperarCambiosCanal"
)

// PlaceholderAPIKey is shipped in sample configs and never valid
const PlaceholderAPIKey = "API_KEY_PLACEHOLDER"

// DateLayout is the upstream format of the fecha header (dd/MM/yyyy HH:mm:ss)
const DateLayout = "02/01/2006 15:04:05"

// FullSyncEpoch is the lower bound used to request the whole catalog
var FullSyncEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrMissingAPIKey is returned when no usable API key is configured
	ErrMissingAPIKey = errors.New("metasync: API key not configured")
	// ErrMissingCompanyID is returned when idempresa is not configured
	ErrMissingCompanyID = errors.New("metasync: company id not configured")
)

// Config holds MetaSync connection settings
type Config = config.MetaSyncConfig

// Record is one raw object from a response
type Record = map[string]any

// Cursor positions a change-feed request
type Cursor struct {
	Since  time.Time
	LastID int
}

// Page is one decoded response
type Page struct {
	Items    []Record
	Vehicles []Record // vehicles embedded in a parts response
	LastID   int
	HasMore  *bool // nil when the response carries no flag
	Total    int
	RawCount int
}

// APIError is a non-2xx response
type APIError struct {
	Endpoint   string
	Status     int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metasync %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// StatusCode returns the HTTP status
func (e *APIError) StatusCode() int { return e.Status }

// RetryAfter returns the wait requested by the server, if any
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// DecodeError is a 2xx response whose body is not usable JSON. It is never retried.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Permanent marks the error as not retryable
func (e *DecodeError) Permanent() bool { return true }

// Client wraps MetaSync API interactions
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *ratelimit.RateLimiter
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithRateLimiter replaces the default limiter
func WithRateLimiter(rl *ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithMetrics records request counts and latency
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger used for request tracing
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient sends requests through hc
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = resty.NewWithClient(hc) }
}

// NewClient creates a new MetaSync client
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" || cfg.APIKey == PlaceholderAPIKey {
		return nil, ErrMissingAPIKey
	}
	if cfg.CompanyID == 0 {
		return nil, ErrMissingCompanyID
	}
	if cfg.Channel == "" {
		cfg.Channel = config.DefaultChannel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultBaseURL
	}
	if cfg.PageSize <= 0 || cfg.PageSize > config.MaxPageSize {
		cfg.PageSize = config.MaxPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}

	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "partsync/1.0")

	if c.limiter == nil {
		rlCfg := ratelimit.DefaultConfig()
		if cfg.APIDelay > 0 {
			rlCfg.APIDelay = cfg.APIDelay
		}
		c.limiter = ratelimit.NewRateLimiter(rlCfg)
	}

	return c, nil
}

// PageSize returns the configured page size
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// CompanyID returns the configured company
func (c *Client) CompanyID() int {
	return c.cfg.CompanyID
}

// FetchVehicleChanges returns one page of changed vehicles
func (c *Client) FetchVehicleChanges(ctx context.Context, cursor Cursor) (*Page, error) {
	body, err := c.get(ctx, EndpointVehicleChanges, cursor, c.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	return parseVehiclePage(body, cursor), nil
}

// FetchPartChanges returns one page of changed parts and the vehicles embedded with them
func (c *Client) FetchPartChanges(ctx context.Context, cursor Cursor) (*Page, error) {
	body, err := c.get(ctx, EndpointPartChanges, cursor, c.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	return parsePartPage(body, cursor), nil
}

// TestConnection requests a single vehicle to check credentials and reachability
func (c *Client) TestConnection(ctx context.Context) (*Page, error) {
	body, err := c.get(ctx, EndpointVehicleChanges, Cursor{Since: FullSyncEpoch}, 1)
	if err != nil {
		return nil, fmt.Errorf("connection test failed: %w", err)
	}
	return parseVehiclePage(body, Cursor{}), nil
}

// FormatDate renders t in the fecha header format
func FormatDate(t time.Time) string {
	if t.IsZero() {
		t = FullSyncEpoch
	}
	return t.Format(DateLayout)
}

func (c *Client) headers(cursor Cursor, pageSize int) map[string]string {
	return map[string]string{
		"apikey":    c.cfg.APIKey,
		"fecha":     FormatDate(cursor.Since),
		"lastid":    strconv.Itoa(cursor.LastID),
		"offset":    strconv.Itoa(pageSize),
		"canal":     c.cfg.Channel,
		"idempresa": strconv.Itoa(c.cfg.CompanyID),
	}
}

// get performs a paced, retried GET and decodes the JSON body
func (c *Client) get(ctx context.Context, endpoint string, cursor Cursor, pageSize int) (map[string]any, error) {
	var body map[string]any

	err := c.limiter.ExecuteWithRetry(ctx, func() error {
		start := time.Now()
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.headers(cursor, pageSize)).
			Get("/" + endpoint)

		status := 0
		if resp != nil && resp.RawResponse != nil {
			status = resp.StatusCode()
		}
		c.metrics.ObserveAPIRequest(endpoint, status, time.Since(start))

		if err != nil {
			c.logger.Warn("MetaSync request failed", "endpoint", endpoint, "lastid", cursor.LastID, "error", err)
			return fmt.Errorf("request %s: %w", endpoint, err)
		}

		if status < 200 || status >= 300 {
			apiErr := &APIError{
				Endpoint:   endpoint,
				Status:     status,
				Body:       excerpt(resp.String(), 200),
				retryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			}
			c.logger.Warn("MetaSync returned error status", "endpoint", endpoint, "status", status)
			return apiErr
		}

		decoded, err := decode(resp.Body())
		if err != nil {
			return &DecodeError{Endpoint: endpoint, Err: err}
		}
		body = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("MetaSync page received", "endpoint", endpoint, "lastid", cursor.LastID, "fecha", FormatDate(cursor.Since))
	return body, nil
}

// decode accepts an object or a bare array (wrapped as {"data": [...]}).
// A leading UTF-8 BOM is ignored.
func decode(raw []byte) (map[string]any, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		return map[string]any{"data": t}, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("unexpected JSON %T", v)
	}
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
