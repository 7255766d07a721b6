// Package types provides core data types for SitePulse.
package types

import (
	"encoding/json"
	"time"
)

// Event represents one recorded occurrence in the events table.
type Event struct {
	// ID is assigned by the store; strictly increasing and never reused
	ID int64 `json:"id"`

	// WebsiteID identifies the site the event belongs to
	WebsiteID string `json:"website_id"`

	// SessionID groups events from one browsing session
	SessionID string `json:"session_id"`

	// EventName labels the event (e.g., "pageview", "404_not_found")
	EventName string `json:"event_name"`

	// EventData is the caller-defined JSON object, nil when absent
	EventData json.RawMessage `json:"event_data"`

	// IPAddress is captured from the transport at insert time
	IPAddress string `json:"ip_address"`

	// UserAgent is captured from the transport at insert time
	UserAgent string `json:"user_agent"`

	// Timestamp is assigned by the store at insert time
	Timestamp time.Time `json:"timestamp"`
}

// DataField returns the string value stored under key in EventData.
// ok is false when EventData is absent, not an object, or the value is not a string.
func (e *Event) DataField(key string) (value string, ok bool) {
	if len(e.EventData) == 0 {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.EventData, &fields); err != nil {
		return "", false
	}
	raw, exists := fields[key]
	if !exists || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// MarshalJSON renders an absent EventData as null rather than omitting it.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := alias(e)
	if len(out.EventData) == 0 {
		out.EventData = json.RawMessage("null")
	}
	return json.Marshal(out)
}
