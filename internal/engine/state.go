package engine

import (
	"net"
)

// State is the connection lifecycle state of the engine.
type State int

const (
	StateWaitForInit State = iota
	StateWaitForConnect
	StateWaitForResponse
	StateWaitForDisconnected
	StateWaitForNextCycle
	StateUnload
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateWaitForInit:
		return "WaitForInit"
	case StateWaitForConnect:
		return "WaitForConnect"
	case StateWaitForResponse:
		return "WaitForResponse"
	case StateWaitForDisconnected:
		return "WaitForDisconnected"
	case StateWaitForNextCycle:
		return "WaitForNextCycle"
	case StateUnload:
		return "Unload"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evCommand
	evUnload
	evConnected
	evConnectFailed
	evFrame
	evResponseTimeout
	evSocketClosed
	evCycleTimer
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evCommand:
		return "command"
	case evUnload:
		return "unload"
	case evConnected:
		return "connected"
	case evConnectFailed:
		return "connect_failed"
	case evFrame:
		return "frame"
	case evResponseTimeout:
		return "response_timeout"
	case evSocketClosed:
		return "socket_closed"
	case evCycleTimer:
		return "cycle_timer"
	default:
		return "unknown"
	}
}

// event is the only way into the dispatcher. generation tags events of one
// connection attempt, epoch those of one watchdog arm or cycle timer.
type event struct {
	kind       eventKind
	generation uint64
	epoch      uint64

	host  string
	port  int
	conn  net.Conn
	frame []byte
	err   error

	name  string
	value string
	reply chan error
}

// connectionEvent reports whether the event belongs to a connection attempt
// and must match the current generation.
func (ev event) connectionEvent() bool {
	switch ev.kind {
	case evConnected, evConnectFailed, evFrame, evResponseTimeout, evSocketClosed:
		return true
	}
	return false
}
