package calcom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New("cal_test_key", func(o *Options) {
		o.BaseURL = server.URL
		o.HTTPClient = server.Client()
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestProfile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "cal_test_key", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-08-13", r.Header.Get("cal-api-version"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"id":       42,
				"username": "jdoe",
				"email":    "jdoe@example.com",
				"timeZone": "Europe/Berlin",
			},
		})
	})

	profile, err := client.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, profile.ID)
	assert.Equal(t, "jdoe", profile.Username)
	assert.Equal(t, "Europe/Berlin", profile.TimeZone)
}

func TestBookingsQueryAndFiltering(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("take"))
		assert.Equal(t, "2026-09-01T00:00:00Z", r.URL.Query().Get("start"))
		assert.Equal(t, "2026-09-02T00:00:00Z", r.URL.Query().Get("end"))

		// The API returns far more fields than the client decodes.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": []map[string]any{
				{
					"id":       1,
					"uid":      "abc",
					"title":    "Standup",
					"status":   "accepted",
					"start":    "2026-09-01T09:00:00Z",
					"end":      "2026-09-01T09:15:00Z",
					"duration": 15,
					"hosts":    []map[string]any{{"id": 7}},
					"metadata": map[string]any{"internal": true},
				},
			},
		})
	})

	bookings, err := client.Bookings(context.Background(), "2026-09-01T00:00:00Z", "2026-09-02T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "Standup", bookings[0].Title)
	assert.Equal(t, 15, bookings[0].Duration)
}

func TestBookingsOmitsEmptyRange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("start"))
		assert.False(t, r.URL.Query().Has("end"))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": []any{}})
	})

	bookings, err := client.Bookings(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestCreateBooking(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bookings", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var input BookingInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, 7, input.EventTypeID)
		assert.Equal(t, "Jane Doe", input.Attendee.Name)
		require.NotNil(t, input.Location)
		assert.Equal(t, "integration", input.Location.Type)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"id":     9,
				"uid":    "bk_9",
				"title":  "Intro call",
				"status": "accepted",
				"start":  "2026-09-01T10:00:00Z",
				"end":    "2026-09-01T10:30:00Z",
			},
		})
	})

	booking, err := client.CreateBooking(context.Background(), BookingInput{
		EventTypeID: 7,
		Start:       "2026-09-01T10:00:00Z",
		Attendee:    Attendee{Name: "Jane Doe", Email: "jane@example.com", TimeZone: "Europe/Berlin"},
		Location:    &Location{Type: "integration", Integration: "cal-video"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bk_9", booking.UID)
}

func TestCancelBooking(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bookings/bk_9/cancel", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "double booked", body["cancellationReason"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"id": 9, "uid": "bk_9", "status": "cancelled"},
		})
	})

	booking, err := client.CancelBooking(context.Background(), "bk_9", "double booked")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", booking.Status)
}

func TestUpstreamErrorCarriesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"status":"error","error":{"message":"slot no longer available"}}`))
	})

	_, err := client.CreateBooking(context.Background(), BookingInput{EventTypeID: 7})
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnprocessableEntity, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "slot no longer available")
}

func TestSlots(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/slots", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("eventTypeId"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"2026-09-01": []map[string]any{
					{"start": "2026-09-01T10:00:00Z"},
					{"start": "2026-09-01T11:00:00Z"},
				},
			},
		})
	})

	slots, err := client.Slots(context.Background(), 7, "2026-09-01T00:00:00Z", "2026-09-02T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, slots["2026-09-01"], 2)
	assert.Equal(t, "2026-09-01T10:00:00Z", slots["2026-09-01"][0].Start)
}

func TestCapabilitiesRegisterAndGate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": []any{}})
	})

	caps := client.Capabilities()
	require.Len(t, caps, 6)

	policies := DefaultPolicies()
	mutating := map[string]bool{CapCreateBooking: true, CapCancelBooking: true}
	for _, cp := range caps {
		want := "auto"
		if mutating[cp.Name()] {
			want = "require_confirmation"
		}
		assert.Equal(t, want, string(policies.For(cp.Name())), cp.Name())
	}
}

func TestGetBookingsCapability(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-09-01", r.URL.Query().Get("start"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   []map[string]any{{"id": 1, "title": "Standup", "status": "accepted", "duration": 15}},
		})
	})

	var bookingsCap interface {
		Call(ctx context.Context, args map[string]any) (any, error)
	}
	for _, cp := range client.Capabilities() {
		if cp.Name() == CapGetBookings {
			bookingsCap = cp
		}
	}
	require.NotNil(t, bookingsCap)

	result, err := bookingsCap.Call(context.Background(), map[string]any{"start_date": "2026-09-01"})
	require.NoError(t, err)

	bookings, ok := result.([]Booking)
	require.True(t, ok)
	require.Len(t, bookings, 1)
	assert.Equal(t, "Standup", bookings[0].Title)
}
