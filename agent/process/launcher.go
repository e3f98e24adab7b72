package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// stderrChunkSize bounds how much stderr text is reported per Diagnostic call.
const stderrChunkSize = 4096

// stderrReleaseTimeout is how long Release waits for stderr to reach EOF before closing it.
const stderrReleaseTimeout = 500 * time.Millisecond

// Launcher starts child processes for a fixed command line.
// A Launcher is safe for concurrent use; every call to Launch starts an independent process.
type Launcher struct {
	Command string
	Args    []string
	// Env is appended to the host environment. If empty, the host environment is inherited as-is.
	Env []string
	Dir string

	Log      *zap.SugaredLogger
	Observer Observer
}

// Launch starts a new process. The returned process is already running, with its stdin and stdout
// open and its stderr being drained to the observer.
// Failures to resolve or start the command are returned as a *LaunchError.
func (l *Launcher) Launch(ctx context.Context) (*Process, error) {
	log := l.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	obs := l.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: l.Command, Err: err}
	}

	path, err := exec.LookPath(l.Command)
	if err != nil {
		return nil, &LaunchError{Command: l.Command, Err: err}
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Dir = l.Dir
	// the process leads its own group, so that signals reach everything it starts
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	// The pipes are created here instead of with cmd.StdoutPipe() etc., because exec closes those
	// when Wait returns, which would race with whoever is still reading stdout.
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, r, w)
		return r, w, nil
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, &LaunchError{Command: l.Command, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, &LaunchError{Command: l.Command, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, &LaunchError{Command: l.Command, Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startTime := time.Now()
	err = cmd.Start()
	if err != nil {
		closeAll()
		return nil, &LaunchError{Command: l.Command, Err: err}
	}

	// the child holds its own copies of these now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		log:        log.With("PID", cmd.Process.Pid),
		obs:        obs,
		cmd:        cmd,
		startTime:  startTime,
		stdin:      stdinW,
		stdout:     stdoutR,
		stderr:     stderrR,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	p.log.Debugw("process started", "Command", l.Command, "Args", l.Args)

	go p.drainStderr()
	go p.wait()

	return p, nil
}

// Process is a running child process started by a Launcher.
type Process struct {
	log       *zap.SugaredLogger
	obs       Observer
	cmd       *exec.Cmd
	startTime time.Time

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done       chan struct{}
	result     Result
	stderrDone chan struct{}

	closeStdinOnce sync.Once
	closeStdinErr  error
	releaseOnce    sync.Once
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stdin is the write side of the process's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the read side of the process's stdout. It returns io.EOF once the process,
// and anything it handed its stdout to, have exited.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed after the process has exited and the Observer has been notified.
func (p *Process) Done() <-chan struct{} { return p.done }

// Result waits for the process to exit and returns how it terminated.
func (p *Process) Result() Result {
	<-p.done
	return p.result
}

// CloseStdin signals EOF to the process. Repeated calls return the result of the first one.
func (p *Process) CloseStdin() error {
	p.closeStdinOnce.Do(func() {
		p.closeStdinErr = p.stdin.Close()
	})
	return p.closeStdinErr
}

// Signal sends sig to the process group, which includes the process and anything it started
// that did not leave the group. Signaling a group with no members left is not an error.
func (p *Process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	err := syscall.Kill(-p.PID(), s)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Stop shuts the process down and waits for it to be reaped.
// Stdin is closed first; if the process is still running after grace its group receives SIGTERM,
// and if it is still running killGrace after that the group is killed.
// Once the process has exited, whatever is left of its group is killed.
func (p *Process) Stop(grace, killGrace time.Duration) Result {
	defer p.killGroup()

	if err := p.CloseStdin(); err != nil {
		p.log.Debugf("error closing stdin: %s", err)
	}
	if p.waitFor(grace) {
		return p.result
	}

	p.log.Debugf("process did not exit within %s of stdin closing, sending SIGTERM", grace)
	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.log.Debugf("error sending SIGTERM, killing: %s", err)
		_ = p.Kill()
	}
	if p.waitFor(killGrace) {
		return p.result
	}

	p.log.Debugf("process did not exit within %s of SIGTERM, killing", killGrace)
	if err := p.Kill(); err != nil {
		p.log.Debugf("error killing process: %s", err)
	}
	<-p.done
	return p.result
}

func (p *Process) killGroup() {
	if err := p.Kill(); err != nil {
		p.log.Debugf("error killing process group: %s", err)
	}
}

// Release closes the parent's ends of stdin and stdout. Blocked readers of Stdout are woken up.
// Stderr is given a short window to reach EOF, so diagnostics written before the group was killed
// are not lost, and is closed after that even if a process outside the group still holds it.
// Release does not stop the process; use Stop for that.
func (p *Process) Release() {
	p.releaseOnce.Do(func() {
		_ = p.CloseStdin()
		p.stdout.Close()

		timer := time.NewTimer(stderrReleaseTimeout)
		defer timer.Stop()
		select {
		case <-p.stderrDone:
		case <-timer.C:
			p.log.Debugf("stderr still open %s after release, closing it", stderrReleaseTimeout)
			p.stderr.Close()
		}
	})
}

func (p *Process) waitFor(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	res := Result{
		ExitCode: -1,
		TimeMS:   time.Since(p.startTime).Milliseconds(),
	}
	if state := p.cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = unix.SignalName(ws.Signal())
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
			res.Err = err
		}
	}

	p.result = res
	p.log.Debugf("process exited: %s", res)
	p.obs.Exited(p.PID(), res)
	close(p.done)
}

func (p *Process) drainStderr() {
	defer close(p.stderrDone)
	defer p.stderr.Close()
	pid := p.PID()
	buf := make([]byte, stderrChunkSize)
	for {
		n, err := p.stderr.Read(buf)
		if n > 0 {
			p.obs.Diagnostic(pid, string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("stderr read error: %s", err)
			}
			return
		}
	}
}
