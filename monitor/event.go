package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/scanner"
)

// Kind is the type of an Event
type Kind int

// Event kinds
const (
	// SlotEvent reports the state of a slot after a token was inserted or removed
	SlotEvent Kind = iota + 1
	// ScanCompleted carries the result of a scan triggered by a SlotEvent
	ScanCompleted
	// MonitorError reports a failure, see Severity
	MonitorError
)

func (k Kind) String() string {
	switch k {
	case SlotEvent:
		return "slot_event"
	case ScanCompleted:
		return "scan_completed"
	case MonitorError:
		return "monitor_error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Severity classifies MonitorError events
type Severity int

// Severities
const (
	// Transient provider errors are retried after the poll interval
	Transient Severity = iota + 1
	// Recoverable conditions, such as a token removed during a scan,
	// are reported and polling continues
	Recoverable
	// Fatal errors stop the monitor
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Transient:
		return "transient"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Event is a message published by Monitor
type Event struct {
	Kind Kind
	// Monitor is the ID of the publishing monitor
	Monitor string
	At      time.Time

	// Slot is set for SlotEvent
	Slot *inventory.SlotInfo
	// Result is set for ScanCompleted
	Result *scanner.Result
	// Err and Severity are set for MonitorError
	Err      error
	Severity Severity
}

type eventJSON struct {
	Monitor  string              `json:"monitor"`
	Kind     string              `json:"kind"`
	At       time.Time           `json:"at"`
	Slot     *inventory.SlotInfo `json:"slot,omitempty"`
	Result   *scanner.Result     `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	Severity string              `json:"severity,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e Event) MarshalJSON() ([]byte, error) {
	v := eventJSON{
		Monitor: e.Monitor,
		Kind:    e.Kind.String(),
		At:      e.At,
		Slot:    e.Slot,
		Result:  e.Result,
	}
	if e.Err != nil {
		v.Error = e.Err.Error()
	}
	if e.Severity != 0 {
		v.Severity = e.Severity.String()
	}
	return json.Marshal(v)
}
