package metasync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desguace/partsync/metasync/metasynctest"
	"github.com/desguace/partsync/metrics"
	"github.com/desguace/partsync/ratelimit"
)

func testConfig(baseURL string) Config {
	return Config{
		APIKey:    metasynctest.APIKey,
		CompanyID: metasynctest.CompanyID,
		Channel:   "MURCIA",
		BaseURL:   baseURL,
		PageSize:  2,
		Timeout:   2 * time.Second,
	}
}

func fastLimiter() *ratelimit.RateLimiter {
	return ratelimit.NewRateLimiter(&ratelimit.Config{
		APIDelay:          time.Millisecond,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Millisecond,
		MaxAttempts:       4,
	})
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"empty key", Config{CompanyID: 1}, ErrMissingAPIKey},
		{"placeholder key", Config{APIKey: PlaceholderAPIKey, CompanyID: 1}, ErrMissingAPIKey},
		{"no company", Config{APIKey: "k"}, ErrMissingCompanyID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewClient() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	c, err := NewClient(Config{APIKey: "k", CompanyID: 1, PageSize: 5000})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.PageSize() != 1000 {
		t.Errorf("PageSize() = %d, want clamp to 1000", c.PageSize())
	}
}

func TestFetchVehicleChanges_SendsHeadersAndPages(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()
	srv.Seed(1, 3, 0, 0)

	c, err := NewClient(testConfig(srv.BaseURL()), WithRateLimiter(fastLimiter()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	since := time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)
	page, err := c.FetchVehicleChanges(context.Background(), Cursor{Since: since})
	if err != nil {
		t.Fatalf("FetchVehicleChanges() error = %v", err)
	}

	hdrs := srv.LastHeaders()
	want := map[string]string{
		"apikey":    metasynctest.APIKey,
		"fecha":     "31/12/2023 23:00:00",
		"lastid":    "0",
		"offset":    "2",
		"canal":     "MURCIA",
		"idempresa": "1234",
		"Accept":    "application/json",
	}
	for k, v := range want {
		if got := hdrs.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}

	if len(page.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(page.Items))
	}
	if page.LastID != 5001 {
		t.Errorf("LastID = %d, want 5001", page.LastID)
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3", page.Total)
	}
	if page.HasMore == nil || !*page.HasMore {
		t.Errorf("HasMore = %v, want true", page.HasMore)
	}

	page, err = c.FetchVehicleChanges(context.Background(), Cursor{Since: since, LastID: page.LastID})
	if err != nil {
		t.Fatalf("second page error = %v", err)
	}
	if len(page.Items) != 1 || page.LastID != 5002 {
		t.Errorf("second page = %d items lastId %d, want 1 item lastId 5002", len(page.Items), page.LastID)
	}
	if page.HasMore == nil || *page.HasMore {
		t.Errorf("HasMore on last page = %v, want false", page.HasMore)
	}
}

func TestFetchPartChanges_EmbeddedVehicles(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()
	srv.Seed(2, 1, 2, 0)

	c, err := NewClient(testConfig(srv.BaseURL()), WithRateLimiter(fastLimiter()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	page, err := c.FetchPartChanges(context.Background(), Cursor{})
	if err != nil {
		t.Fatalf("FetchPartChanges() error = %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(page.Items))
	}
	if len(page.Vehicles) != 1 {
		t.Errorf("len(Vehicles) = %d, want 1", len(page.Vehicles))
	}
	if srv.LastHeaders().Get("fecha") != "01/01/1900 00:00:00" {
		t.Errorf("zero Since should send the full sync epoch, got %q", srv.LastHeaders().Get("fecha"))
	}
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()
	srv.Seed(3, 1, 0, 0)
	srv.Fail(http.StatusTooManyRequests, http.StatusServiceUnavailable)

	rec := metrics.New()
	c, err := NewClient(testConfig(srv.BaseURL()), WithRateLimiter(fastLimiter()), WithMetrics(rec))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	page, err := c.FetchVehicleChanges(context.Background(), Cursor{})
	if err != nil {
		t.Fatalf("FetchVehicleChanges() error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("len(Items) = %d, want 1", len(page.Items))
	}
	if got := srv.Requests("vehicles"); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestFetch_GivesUpAfterThreeRetries(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()
	srv.Fail(503, 503, 503, 503, 503)

	c, err := NewClient(testConfig(srv.BaseURL()), WithRateLimiter(fastLimiter()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.FetchVehicleChanges(context.Background(), Cursor{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("error = %v, want APIError 503", err)
	}
	if got := srv.Requests("vehicles"); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()

	cfg := testConfig(srv.BaseURL())
	cfg.APIKey = "wrong"
	c, err := NewClient(cfg, WithRateLimiter(fastLimiter()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.FetchVehicleChanges(context.Background(), Cursor{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("error = %v, want 401", err)
	}
	if got := srv.Requests("vehicles"); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestFetch_InvalidJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html", "<html>maintenance</html>"},
		{"truncated", `{"data": [{"idLocal": 1}`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(testConfig(srv.URL), WithRateLimiter(fastLimiter()))
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}

			_, err = c.FetchPartChanges(context.Background(), Cursor{})
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error = %v, want *DecodeError", err)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("server saw %d requests, want 1", got)
			}
		})
	}
}

func TestTestConnection(t *testing.T) {
	srv := metasynctest.NewServer()
	defer srv.Close()
	srv.Seed(4, 5, 0, 0)

	c, err := NewClient(testConfig(srv.BaseURL()), WithRateLimiter(fastLimiter()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	page, err := c.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("TestConnection fetched %d items, want 1", len(page.Items))
	}
	if srv.LastHeaders().Get("offset") != "1" {
		t.Errorf("offset = %q, want 1", srv.LastHeaders().Get("offset"))
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("parseRetryAfter(7) = %v, want 7s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(\"\") = %v, want 0", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("parseRetryAfter(soon) = %v, want 0", got)
	}
}
