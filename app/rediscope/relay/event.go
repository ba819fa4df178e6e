package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	// EventSubscribed confirms the store acknowledged the session's current
	// target. It precedes every message for that target.
	EventSubscribed EventType = "subscribed"
	EventMessage    EventType = "message"
)

// Message is one published payload as forwarded to a viewer. Pattern is set
// when it arrived through a pattern subscription. ReceivedAt is stamped by the
// relay when the message came off the store connection.
type Message struct {
	Channel    string    `json:"channel"`
	Pattern    string    `json:"pattern,omitempty"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Event is what a session writes to its viewer. Target is set for
// EventSubscribed, Message for EventMessage.
type Event struct {
	Type    EventType
	Target  Target
	Message Message
}

// Sink receives a session's events in order. A Send error closes the session.
type Sink interface {
	Send(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

type wireEvent struct {
	Type       EventType  `json:"type"`
	Channel    string     `json:"channel,omitempty"`
	Pattern    string     `json:"pattern,omitempty"`
	Payload    *string    `json:"payload,omitempty"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
}

// MarshalJSON writes {"type":"subscribed","channel"|"pattern":name} or
// {"type":"message","channel":..,"pattern":..,"payload":..,"receivedAt":..}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	switch e.Type {
	case EventSubscribed:
		if e.Target.Pattern {
			w.Pattern = e.Target.Name
		} else {
			w.Channel = e.Target.Name
		}
	case EventMessage:
		w.Channel = e.Message.Channel
		w.Pattern = e.Message.Pattern
		w.Payload = &e.Message.Payload
		w.ReceivedAt = &e.Message.ReceivedAt
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type}
	switch w.Type {
	case EventSubscribed:
		if w.Pattern != "" {
			e.Target = Target{Name: w.Pattern, Pattern: true}
		} else {
			e.Target = Target{Name: w.Channel}
		}
	case EventMessage:
		e.Message = Message{Channel: w.Channel, Pattern: w.Pattern}
		if w.Payload != nil {
			e.Message.Payload = *w.Payload
		}
		if w.ReceivedAt != nil {
			e.Message.ReceivedAt = *w.ReceivedAt
		}
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}
