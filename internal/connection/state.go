package connection

import (
	"context"
	"errors"
	"time"
)

// State is the push connection lifecycle state.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("connection manager closed")

// Link is one established push connection. Receive blocks until the next
// message; any error is terminal for the link.
type Link interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer performs the push connection handshake.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnection attempts.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
