// Package calcom is a thin client for the cal.com v2 REST API, exposing the
// handful of operations the assistant needs as typed methods and as
// registrable capabilities.
package calcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/hupe1980/calagent/logging"
)

const (
	// DefaultBaseURL is the production cal.com API endpoint.
	DefaultBaseURL = "https://api.cal.com/v2"
	// apiVersion is sent as the cal-api-version header on every request.
	apiVersion = "2024-08-13"
	// maxBookings caps how many bookings one listing returns.
	maxBookings = 100
)

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint, e.g. for tests.
	BaseURL string
	// HTTPClient overrides the transport.
	HTTPClient *http.Client
	// Logger used for request activity.
	Logger logging.Logger
}

// Client talks to the cal.com v2 API. Methods return decoded, field-filtered
// values; any non-2xx status surfaces as *UpstreamError with the raw body.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// New constructs a Client with the given API key.
func New(apiKey string, optFns ...func(o *Options)) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("calcom: api key must not be empty")
	}

	opts := Options{
		BaseURL:    DefaultBaseURL,
		HTTPClient: http.DefaultClient,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     apiKey,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

// NewFromEnv constructs a Client from the CAL_API_KEY environment variable.
func NewFromEnv(optFns ...func(o *Options)) (*Client, error) {
	key := os.Getenv("CAL_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("calcom: CAL_API_KEY environment variable is not set")
	}
	return New(key, optFns...)
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var out struct {
		Data Profile `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// EventTypes lists the event types bookable for a username.
func (c *Client) EventTypes(ctx context.Context, username string) ([]EventType, error) {
	query := url.Values{}
	if username != "" {
		query.Set("username", username)
	}

	var out struct {
		Data []EventType `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/event-types", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Bookings lists bookings, optionally bounded by start/end timestamps
// (ISO 8601). At most 100 bookings are returned.
func (c *Client) Bookings(ctx context.Context, start, end string) ([]Booking, error) {
	query := url.Values{}
	query.Set("take", fmt.Sprintf("%d", maxBookings))
	if start != "" {
		query.Set("start", start)
	}
	if end != "" {
		query.Set("end", end)
	}

	var out struct {
		Data []Booking `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/bookings", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Slots lists available start times for an event type between start and end,
// grouped by date the way the API returns them.
func (c *Client) Slots(ctx context.Context, eventTypeID int, start, end string) (map[string][]Slot, error) {
	query := url.Values{}
	query.Set("eventTypeId", fmt.Sprintf("%d", eventTypeID))
	query.Set("start", start)
	query.Set("end", end)

	var out struct {
		Data map[string][]Slot `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/slots", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateBooking books a slot for the given attendee.
func (c *Client) CreateBooking(ctx context.Context, input BookingInput) (*Booking, error) {
	var out struct {
		Data Booking `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/bookings", nil, input, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// CancelBooking cancels the booking identified by uid.
func (c *Client) CancelBooking(ctx context.Context, uid, reason string) (*Booking, error) {
	body := map[string]string{}
	if reason != "" {
		body["cancellationReason"] = reason
	}

	var out struct {
		Data Booking `json:"data"`
	}
	path := fmt.Sprintf("/bookings/%s/cancel", url.PathEscape(uid))
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// do issues one API request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("calcom: encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("calcom: build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("cal-api-version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("calcom.request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calcom: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("calcom: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("calcom.upstream_error", "method", method, "path", path, "status", resp.StatusCode)
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("calcom: decode response: %w", err)
		}
	}
	return nil
}
