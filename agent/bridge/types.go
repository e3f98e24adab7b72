package bridge

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/stdiobridge/agent/process"
)

// Child is the view a bridge has of the process it is wired to. *process.Process implements it.
type Child interface {
	PID() int
	Stdin() io.Writer
	Stdout() io.Reader
	CloseStdin() error
	Done() <-chan struct{}
	Stop(grace, killGrace time.Duration) process.Result
	Release()
}

// Spawner acquires the child process for a new bridge.
type Spawner interface {
	Spawn(ctx context.Context) (Child, error)
}

type SpawnerFunc func(ctx context.Context) (Child, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Child, error) { return f(ctx) }

// PerConnection returns a Spawner which launches a new, unshared process for every bridge.
func PerConnection(l *process.Launcher) Spawner {
	return SpawnerFunc(func(ctx context.Context) (Child, error) {
		p, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Observer receives bridge lifecycle events. Implementations must be safe for concurrent use.
type Observer interface {
	Opened(id string, pid int)
	LaunchFailed(id string, err error)
	StreamFailed(id string, err *StreamError)
	Closed(id string, res process.Result, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Opened(string, int)                           {}
func (nopObserver) LaunchFailed(string, error)                   {}
func (nopObserver) StreamFailed(string, *StreamError)            {}
func (nopObserver) Closed(string, process.Result, time.Duration) {}

type Direction string

const (
	// Inbound is the direction from the connection into the process's stdin.
	Inbound Direction = "inbound"
	// Outbound is the direction from the process's stdout to the connection.
	Outbound Direction = "outbound"
)

// StreamError is an I/O failure on one of the directions of a bridge.
type StreamError struct {
	Direction Direction
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream: %s", e.Direction, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

type State int

const (
	Created State = iota
	Piping
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Piping:
		return "piping"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
