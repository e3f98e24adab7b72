/*
Package process starts child processes and exposes their stdio as independent byte channels.

A Launcher holds a fixed command line. Every call to Launch starts a fresh process whose stdin and stdout are handed to the caller,
while stderr is drained internally for the whole lifetime of the process and reported to an Observer chunk by chunk, so a process
that writes a lot of diagnostics cannot block on a full stderr pipe. The Observer is also told exactly once when the process exits.

Stop implements the shutdown sequence used by bridges: close stdin, wait a grace period, SIGTERM, wait again, SIGKILL.
*/
package process
