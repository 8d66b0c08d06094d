package calcom

import (
	"context"
	"fmt"

	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/capability"
)

// Capability names exposed to the model.
const (
	CapGetProfile    = "get_my_profile"
	CapGetEventTypes = "get_event_types"
	CapGetBookings   = "get_bookings"
	CapGetSlots      = "get_available_slots"
	CapCreateBooking = "create_booking"
	CapCancelBooking = "cancel_booking"
)

// Capabilities returns the calendar operations as registrable capabilities.
// Read operations pass results through unmodified; mutations are the ones
// DefaultPolicies gates behind confirmation.
func (c *Client) Capabilities() []capability.Capability {
	return []capability.Capability{
		capability.NewFunc(
			CapGetProfile,
			"Fetch the profile of the authenticated calendar user, including username and time zone.",
			objectSchema(nil, nil),
			func(ctx context.Context, _ map[string]any) (any, error) {
				return c.Profile(ctx)
			},
		),
		capability.NewFunc(
			CapGetEventTypes,
			"List the event types the user offers for booking, with id, duration and location.",
			objectSchema(map[string]any{
				"username": map[string]any{
					"type":        "string",
					"description": "Calendar username to list event types for. Defaults to the authenticated user.",
				},
			}, nil),
			func(ctx context.Context, args map[string]any) (any, error) {
				username, _ := args["username"].(string)
				if username == "" {
					profile, err := c.Profile(ctx)
					if err != nil {
						return nil, err
					}
					username = profile.Username
				}
				return c.EventTypes(ctx, username)
			},
		),
		capability.NewFunc(
			CapGetBookings,
			"List the user's bookings, optionally restricted to a time range. Timestamps are ISO 8601.",
			objectSchema(map[string]any{
				"start_date": map[string]any{
					"type":        "string",
					"description": "Earliest booking start to include, ISO 8601. Optional.",
				},
				"end_date": map[string]any{
					"type":        "string",
					"description": "Latest booking start to include, ISO 8601. Optional.",
				},
			}, nil),
			func(ctx context.Context, args map[string]any) (any, error) {
				start, _ := args["start_date"].(string)
				end, _ := args["end_date"].(string)
				return c.Bookings(ctx, start, end)
			},
		),
		capability.NewFunc(
			CapGetSlots,
			"List available start times for an event type between two timestamps.",
			objectSchema(map[string]any{
				"event_type_id": map[string]any{
					"type":        "integer",
					"description": "Numeric id of the event type to query slots for.",
				},
				"start_date": map[string]any{
					"type":        "string",
					"description": "Range start, ISO 8601.",
				},
				"end_date": map[string]any{
					"type":        "string",
					"description": "Range end, ISO 8601.",
				},
			}, []string{"event_type_id", "start_date", "end_date"}),
			func(ctx context.Context, args map[string]any) (any, error) {
				id, err := intArg(args, "event_type_id")
				if err != nil {
					return nil, err
				}
				start, _ := args["start_date"].(string)
				end, _ := args["end_date"].(string)
				return c.Slots(ctx, id, start, end)
			},
		),
		capability.NewFunc(
			CapCreateBooking,
			"Create a booking for an event type at the given start time. Requires the attendee's name, email and time zone.",
			objectSchema(map[string]any{
				"event_type_id": map[string]any{
					"type":        "integer",
					"description": "Numeric id of the event type to book.",
				},
				"start_time": map[string]any{
					"type":        "string",
					"description": "Booking start, ISO 8601 in UTC.",
				},
				"attendee_name": map[string]any{
					"type":        "string",
					"description": "Full name of the attendee.",
				},
				"attendee_email": map[string]any{
					"type":        "string",
					"description": "Email address of the attendee.",
				},
				"attendee_timezone": map[string]any{
					"type":        "string",
					"description": "IANA time zone of the attendee, e.g. Europe/Berlin.",
				},
				"guest_emails": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Additional guest email addresses. Optional.",
				},
			}, []string{"event_type_id", "start_time", "attendee_name", "attendee_email", "attendee_timezone"}),
			func(ctx context.Context, args map[string]any) (any, error) {
				id, err := intArg(args, "event_type_id")
				if err != nil {
					return nil, err
				}

				input := BookingInput{
					EventTypeID: id,
					Start:       args["start_time"].(string),
					Attendee: Attendee{
						Name:     args["attendee_name"].(string),
						Email:    args["attendee_email"].(string),
						TimeZone: args["attendee_timezone"].(string),
						Language: "en",
					},
					Location: &Location{Type: "integration", Integration: "cal-video"},
					Guests:   stringsArg(args, "guest_emails"),
				}
				return c.CreateBooking(ctx, input)
			},
		),
		capability.NewFunc(
			CapCancelBooking,
			"Cancel an existing booking by its uid, with an optional reason shown to attendees.",
			objectSchema(map[string]any{
				"booking_uid": map[string]any{
					"type":        "string",
					"description": "The uid of the booking to cancel.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Cancellation reason. Optional.",
				},
			}, []string{"booking_uid"}),
			func(ctx context.Context, args map[string]any) (any, error) {
				reason, _ := args["reason"].(string)
				return c.CancelBooking(ctx, args["booking_uid"].(string), reason)
			},
		),
	}
}

// RegisterCapabilities registers every calendar capability on the registry.
func (c *Client) RegisterCapabilities(registry *capability.Registry) error {
	for _, cp := range c.Capabilities() {
		if err := registry.Register(cp); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPolicies auto-approves reads and gates mutations behind human
// confirmation.
func DefaultPolicies() approval.Policies {
	return approval.Policies{
		Default: approval.PolicyAuto,
		ByCapability: map[string]approval.Policy{
			CapCreateBooking: approval.PolicyRequireConfirmation,
			CapCancelBooking: approval.PolicyRequireConfirmation,
		},
	}
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// intArg reads a numeric argument that JSON decoding delivers as float64.
func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", key, args[key])
	}
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
