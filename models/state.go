package models

import "time"

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// CONNECTION //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateNoInternet
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNoInternet:
		return "no_internet"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is the feed connection state. Message is only set for
// StateError.
type ConnectionState struct {
	Kind    StateKind `json:"-"`
	Message string    `json:"message,omitempty"`
}

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }
func Connecting() ConnectionState   { return ConnectionState{Kind: StateConnecting} }
func Connected() ConnectionState    { return ConnectionState{Kind: StateConnected} }
func NoInternet() ConnectionState   { return ConnectionState{Kind: StateNoInternet} }

func Failed(message string) ConnectionState {
	return ConnectionState{Kind: StateError, Message: message}
}

// Label is the user facing name of the state.
func (s ConnectionState) Label() string {
	switch s.Kind {
	case StateConnected:
		return "Live"
	case StateConnecting:
		return "Connecting…"
	case StateDisconnected:
		return "Offline"
	case StateNoInternet:
		return "No Internet"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a manual retry should be offered.
func (s ConnectionState) Retryable() bool {
	return s.Kind == StateNoInternet || s.Kind == StateError
}

func (s ConnectionState) String() string {
	if s.Kind == StateError && s.Message != "" {
		return s.Kind.String() + ": " + s.Message
	}
	return s.Kind.String()
}

// StateChange is pushed to consumers on every transition.
type StateChange struct {
	State   ConnectionState `json:"-"`
	Kind    string          `json:"state"`
	Label   string          `json:"label"`
	Message string          `json:"message,omitempty"`
	Session string          `json:"session,omitempty"`
	At      time.Time       `json:"at"`
}

func NewStateChange(state ConnectionState, session string, at time.Time) StateChange {
	return StateChange{
		State:   state,
		Kind:    state.Kind.String(),
		Label:   state.Label(),
		Message: state.Message,
		Session: session,
		At:      at,
	}
}
