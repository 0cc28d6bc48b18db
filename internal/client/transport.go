package client

import (
	"context"
	"errors"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("manager closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
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
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport opens sessions to one broadcast host.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Session, error)
	// Backoff is the reconnect policy used between failed or lost sessions.
	Backoff() retry.Backoff
}

// Session is one established connection. Events is closed when the session
// ends, after which Err reports why.
type Session interface {
	Send(ctx context.Context, cmd domain.Command) error
	Events() <-chan domain.Event
	Err() error
	Close() error
}
