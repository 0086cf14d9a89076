package session

import (
	"fmt"
	"time"
)

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := StateDisconnected; v <= StateClosed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// transitionBufferSize bounds the per-session transition history.
const transitionBufferSize = 50

// Transition records one state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// transitions is a fixed-size ring buffer. Callers hold the controller lock.
type transitions struct {
	buf   [transitionBufferSize]Transition
	head  int
	count int
}

func (t *transitions) record(tr Transition) {
	t.buf[t.head] = tr
	t.head = (t.head + 1) % transitionBufferSize
	if t.count < transitionBufferSize {
		t.count++
	}
}

func (t *transitions) list() []Transition {
	if t.count == 0 {
		return nil
	}
	result := make([]Transition, t.count)
	if t.count < transitionBufferSize {
		copy(result, t.buf[:t.count])
	} else {
		n := copy(result, t.buf[t.head:])
		copy(result[n:], t.buf[:t.head])
	}
	return result
}
