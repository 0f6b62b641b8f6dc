package transport

import (
	"fmt"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is published on every state transition. Err is set when the
// transition was caused by a failure.
type Event struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// Credentials are used for one handshake and never retained.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%q Password:<redacted>}", c.Username)
}

func (c Credentials) GoString() string {
	return c.String()
}
