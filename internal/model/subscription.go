package model

import (
	"encoding/json"
	"strings"
)

// Channel is a reminder delivery channel. On the wire it is always the
// literal "Email" or "InApp".
type Channel string

const (
	ChannelEmail Channel = "Email"
	ChannelInApp Channel = "InApp"
)

// NormalizeChannel maps UI spellings onto the two wire values. Anything
// that is not recognisably in-app becomes Email.
func NormalizeChannel(s string) Channel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inapp", "in-app", "in_app", "in app", "app":
		return ChannelInApp
	default:
		return ChannelEmail
	}
}

func (c *Channel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = NormalizeChannel(s)
	return nil
}

func (c Channel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(NormalizeChannel(string(c))))
}

// Subscription is a per-event reminder. At most one exists per EventID.
type Subscription struct {
	ID            BackendID `json:"_id"`
	EventID       BackendID `json:"eventId"`
	MinutesBefore int       `json:"minutesBefore"`
	Channel       Channel   `json:"channel"`
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	type plain Subscription
	var aux struct {
		plain
		AltID BackendID `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Subscription(aux.plain)
	if s.ID == "" {
		s.ID = aux.AltID
	}
	return nil
}

// SubscriptionInput is the body of POST /api/notifications/subscriptions.
type SubscriptionInput struct {
	EventID       string  `json:"eventId"`
	MinutesBefore int     `json:"minutesBefore"`
	Channel       Channel `json:"channel"`
}

// SubscriptionPatch is the body of PATCH /api/notifications/subscriptions/{id}.
type SubscriptionPatch struct {
	MinutesBefore *int     `json:"minutesBefore,omitempty"`
	Channel       *Channel `json:"channel,omitempty"`
}
