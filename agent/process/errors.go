package process

import "fmt"

// LaunchError is returned when a process could not be started, either because the command
// does not resolve to an executable or because the OS refused to create the process.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %s", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
