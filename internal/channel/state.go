package channel

import "time"

// State represents the lifecycle state of the channel connection.
type State int

const (
	// Disconnected means no session and no retry pending.
	Disconnected State = iota
	// Connecting means a caller-initiated connect is in flight.
	Connecting
	// Connected means the STOMP session is established.
	Connected
	// Reconnecting means the session was lost and a retry is scheduled or running.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection.
type Status struct {
	State     State
	Attempt   int
	LastError error
}

// EventKind identifies a lifecycle event.
type EventKind int

const (
	// EventConnected fires after every successful (re)connect.
	EventConnected EventKind = iota
	// EventDisconnected fires when a session ends, requested or not.
	EventDisconnected
	// EventReconnecting fires when a retry is scheduled.
	EventReconnecting
	// EventExhausted fires once the retry budget is spent. Terminal until
	// the caller connects again.
	EventExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification delivered to listeners.
type Event struct {
	Kind EventKind
	// Attempt is the retry number for Reconnecting and Exhausted.
	Attempt int
	// Delay is the scheduled wait before the next retry.
	Delay time.Duration
	// Requested is true when the caller asked for the disconnect.
	Requested bool
	Err       error
	At        time.Time
}
