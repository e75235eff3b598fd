package webhook

import (
	"encoding/json"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// EventType names a runtime session event.
type EventType string

const (
	EventStarted      EventType = "session.started"
	EventCompleted    EventType = "session.completed"
	EventWaitingInput EventType = "session.waiting_input"
	EventProgress     EventType = "session.progress"
	EventError        EventType = "session.error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStarted, EventCompleted, EventWaitingInput, EventProgress, EventError:
		return true
	}
	return false
}

// EventData carries the optional event payload.
type EventData struct {
	Message  string   `json:"message,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Files    []string `json:"files,omitempty"`
	PRURL    string   `json:"prUrl,omitempty"`
	Error    string   `json:"error,omitempty"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Diff     string   `json:"diff,omitempty"`
}

// Event is the JSON body exchanged with an external executor runtime.
type Event struct {
	Event     EventType  `json:"event"`
	Timestamp int64      `json:"timestamp"`
	SessionID string     `json:"sessionId"`
	TaskID    string     `json:"taskId"`
	Data      *EventData `json:"data,omitempty"`
}

// ParseEvent decodes and validates an inbound event body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.NewValidationError("event body is not valid JSON").WithCause(err)
	}
	if !ev.Event.Valid() {
		return nil, errors.NewValidationError("unknown event type").WithField("event").WithValue(string(ev.Event))
	}
	if ev.TaskID == "" {
		return nil, errors.NewValidationError("taskId is required").WithField("taskId")
	}
	return &ev, nil
}
