package process

import (
	"fmt"
	"time"
)

// Result describes how a child process terminated.
// ExitCode is -1 when the process was terminated by a signal or could not be waited on.
type Result struct {
	ExitCode int
	// Signal is the name of the signal that terminated the process, e.g. "SIGTERM", if any.
	Signal string
	TimeMS int64
	// Err is set when waiting on the process failed for a reason other than a non-zero exit.
	Err error
}

func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

func (r Result) String() string {
	if r.Signal != "" {
		return fmt.Sprintf("terminated by %s after %dms", r.Signal, r.TimeMS)
	}
	return fmt.Sprintf("exit code %d after %dms", r.ExitCode, r.TimeMS)
}

// Observer receives the lifecycle events of launched processes.
// Implementations must be safe for concurrent use, since every process reports from its own goroutines.
type Observer interface {
	// Diagnostic is called with each chunk read from the process's stderr.
	Diagnostic(pid int, text string)
	// Exited is called exactly once when the process terminates for any reason.
	Exited(pid int, res Result)
}

type nopObserver struct{}

func (nopObserver) Diagnostic(int, string) {}
func (nopObserver) Exited(int, Result)     {}

// Defaults for the shutdown sequence used by Stop.
const (
	DefaultGracePeriod     = 5 * time.Second
	DefaultKillGracePeriod = 2 * time.Second
)
