// Package bus implements the publish/subscribe core that every manager in the
// system communicates through.
//
// Subscriptions are either exact subjects ("de.kline.update") or glob patterns
// ("pm.*"). Publishing journals the event synchronously, then fans it out to
// every matching handler on its own goroutine. A handler failure is logged and
// reported via a system alert event; it never reaches the publisher and never
// stops the other handlers.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of communication between managers. Immutable after
// construction; handlers must not modify Data.
type Event struct {
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(subject string, data map[string]any) Event {
	return NewEventFrom(subject, data, "")
}

// NewEventFrom creates an event tagged with its originating component.
func NewEventFrom(subject string, data map[string]any, source string) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Subject:   subject,
		Data:      data,
		EventID:   uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
	}
}

// Str returns a string payload field, or "" if absent or not a string.
func (e Event) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Float returns a numeric payload field. Handles the numeric types that occur
// in-process as well as float64 from JSON decoding.
func (e Event) Float(key string) float64 {
	switch v := e.Data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Int returns an integer payload field.
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns a boolean payload field, defaulting to false.
func (e Event) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}
