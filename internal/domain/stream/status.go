package stream

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/looplab/fsm"
)

// Status represents the lifecycle status of a stream.
type Status int32

const (
	// StatusUnknown is the zero value and never persisted.
	StatusUnknown Status = iota

	// StatusActive streams accrue value every second.
	StatusActive

	// StatusPaused streams are frozen but may resume.
	StatusPaused

	// StatusStopped streams are terminal.
	StatusStopped
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "active", "Active":
		return StatusActive
	case "paused", "Paused":
		return StatusPaused
	case "stopped", "Stopped":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = ParseStatus(v)
	case []byte:
		*s = ParseStatus(string(v))
	default:
		return fmt.Errorf("status: cannot scan %T", src)
	}
	if *s == StatusUnknown {
		return fmt.Errorf("status: unknown value %v", src)
	}
	return nil
}

// IsTerminal returns true if no transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusStopped
}

// IsActive returns true if the stream accrues.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// Event names a lifecycle transition.
type Event string

const (
	EventPause     Event = "pause"
	EventResume    Event = "resume"
	EventStop      Event = "stop"
	EventLiquidate Event = "liquidate"
)

var lifecycleEvents = fsm.Events{
	{Name: string(EventPause), Src: []string{StatusActive.String()}, Dst: StatusPaused.String()},
	{Name: string(EventLiquidate), Src: []string{StatusActive.String()}, Dst: StatusPaused.String()},
	{Name: string(EventResume), Src: []string{StatusPaused.String()}, Dst: StatusActive.String()},
	{Name: string(EventStop), Src: []string{StatusActive.String(), StatusPaused.String()}, Dst: StatusStopped.String()},
}

// ValidTransitions lists, per status, the events that may fire from it.
var ValidTransitions = map[Status][]Event{
	StatusActive:  {EventPause, EventLiquidate, EventStop},
	StatusPaused:  {EventResume, EventStop},
	StatusStopped: {},
}

// TransitionError reports an event that cannot fire from the current status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s on %s", e.Event, e.From)
}

func newMachine(from Status) *fsm.FSM {
	return fsm.NewFSM(from.String(), lifecycleEvents, fsm.Callbacks{})
}

// CanTransition reports whether event may fire from status.
func CanTransition(from Status, event Event) bool {
	return newMachine(from).Can(string(event))
}

// Transition fires event from status and returns the resulting status.
func Transition(ctx context.Context, from Status, event Event) (Status, error) {
	machine := newMachine(from)
	if err := machine.Event(ctx, string(event)); err != nil {
		return from, &TransitionError{From: from, Event: event}
	}
	return ParseStatus(machine.Current()), nil
}
