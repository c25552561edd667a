// Package stream defines the wire-level events emitted during one
// conversation turn and the line-oriented encoding used to transport them.
//
// A well-formed turn stream is: one Evidence event (its manifest may be
// empty), zero or more Fragment events in generation order, and exactly one
// terminal event -- Error or Done.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/user/recall/internal/types"
)

// EventType tags the variants of the stream event union.
type EventType string

const (
	EventEvidence EventType = "evidence"
	EventFragment EventType = "fragment"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Event is one decoded stream event. Exactly one payload field is
// meaningful, selected by Type.
type Event struct {
	Type      EventType                `json:"type"`
	Documents []types.EvidenceDocument `json:"documents,omitempty"`
	Text      string                   `json:"text,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone
}

// Evidence builds the manifest event for a turn.
func Evidence(docs []types.EvidenceDocument) Event {
	return Event{Type: EventEvidence, Documents: docs}
}

// Fragment builds an incremental answer-text event.
func Fragment(text string) Event {
	return Event{Type: EventFragment, Text: text}
}

// Errorf builds the terminal error event.
func Errorf(format string, args ...any) Event {
	return Event{Type: EventError, Message: fmt.Sprintf(format, args...)}
}

// Done builds the terminal success event.
func Done() Event {
	return Event{Type: EventDone}
}

// parseEvent decodes a frame payload into an Event, rejecting unknown or
// missing type tags so a malformed frame never passes through silently.
func parseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	switch ev.Type {
	case EventEvidence, EventFragment, EventError, EventDone:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
}
