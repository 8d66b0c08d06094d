package calcom

import "fmt"

// Profile is the authenticated user's calendar profile.
type Profile struct {
	ID         int    `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	TimeZone   string `json:"timeZone"`
	TimeFormat int    `json:"timeFormat"`
	WeekStart  string `json:"weekStart"`
}

// EventType is a bookable event template. Only the fields the assistant
// needs are decoded; everything else the API returns is dropped to keep
// model-visible payloads small.
type EventType struct {
	ID              int        `json:"id"`
	LengthInMinutes int        `json:"lengthInMinutes"`
	Title           string     `json:"title"`
	Slug            string     `json:"slug"`
	Description     string     `json:"description,omitempty"`
	Locations       []Location `json:"locations,omitempty"`
}

// Location describes where an event takes place.
type Location struct {
	Type        string `json:"type"`
	Integration string `json:"integration,omitempty"`
	Address     string `json:"address,omitempty"`
	Link        string `json:"link,omitempty"`
}

// Booking is a scheduled calendar entry, reduced to the fields relevant for
// conversation.
type Booking struct {
	ID          int    `json:"id"`
	UID         string `json:"uid,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Duration    int    `json:"duration"`
}

// Slot is one available start time for an event type.
type Slot struct {
	Start string `json:"start"`
}

// Attendee identifies the person a booking is created for.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
	Language string `json:"language,omitempty"`
}

// BookingInput is the request body for creating a booking.
type BookingInput struct {
	EventTypeID int       `json:"eventTypeId"`
	Start       string    `json:"start"`
	Attendee    Attendee  `json:"attendee"`
	Location    *Location `json:"location,omitempty"`
	Guests      []string  `json:"guests,omitempty"`
}

// UpstreamError reports a non-2xx response from the calendar API. The body
// is carried verbatim so the model can read the upstream validation message.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("calendar api returned status %d: %s", e.StatusCode, e.Body)
}
