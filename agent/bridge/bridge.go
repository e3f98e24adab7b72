package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/stdiobridge/agent/process"
	"go.uber.org/zap"
)

const DefaultBufferSize = 32 * 1024

type options struct {
	log        *zap.SugaredLogger
	obs        Observer
	grace      time.Duration
	killGrace  time.Duration
	bufferSize int
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.obs = obs
	}
}

// WithGracePeriod sets how long the process has to exit on its own after stdin is closed.
// The same window bounds how long the bridge waits for remaining output once the process is gone.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.grace = d
	}
}

// WithKillGracePeriod sets how long the process has to exit after SIGTERM before it is killed.
func WithKillGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.killGrace = d
	}
}

// WithBufferSize sets the size of the copy buffer of each direction, which is also the most
// the bridge will hold in memory per direction.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Bridge couples one connection's byte streams to the stdin and stdout of one child process.
//
// Bytes are copied unmodified in both directions by two independent pumps. Each pump holds at most one
// buffer of data, so a slow reader on either side stops the pump from reading its source.
// Any of the following starts the teardown of the bridge: the inbound stream reaching EOF, an I/O error in
// either direction, the process exiting, the process closing its stdout, the context being done, or Close.
type Bridge struct {
	id    string
	log   *zap.SugaredLogger
	obs   Observer
	opts  options
	child Child

	in  io.Reader
	out io.Writer

	started time.Time

	m            sync.Mutex
	state        State
	err          *StreamError
	inboundOpen  bool
	outboundOpen bool

	trigger     chan struct{}
	triggerOnce sync.Once
	reason      string

	inboundDone  chan struct{}
	outboundDone chan struct{}
	closed       chan struct{}
	result       process.Result
}

// Start spawns a child with spawner and starts piping in to its stdin and its stdout to out.
//
// If the child cannot be spawned, the spawner's error is returned and nothing is read from in or written to out;
// the caller is responsible for reporting the failure on its transport.
// If in or out implement io.Closer they are closed during teardown, which must unblock any pending Read or Write.
// A stream that is not an io.Closer and stays blocked past the grace period is abandoned: the bridge closes anyway
// and whatever the blocked call eventually returns is discarded.
func Start(ctx context.Context, spawner Spawner, in io.Reader, out io.Writer, opts ...Option) (*Bridge, error) {
	o := options{
		log:        zap.NewNop().Sugar(),
		obs:        nopObserver{},
		grace:      process.DefaultGracePeriod,
		killGrace:  process.DefaultKillGracePeriod,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	log := o.log.With("BridgeID", id)

	child, err := spawner.Spawn(ctx)
	if err != nil {
		log.Debugf("error spawning process: %s", err)
		o.obs.LaunchFailed(id, err)
		return nil, err
	}

	b := &Bridge{
		id:           id,
		log:          log.With("PID", child.PID()),
		obs:          o.obs,
		opts:         o,
		child:        child,
		in:           in,
		out:          out,
		started:      time.Now(),
		state:        Created,
		inboundOpen:  true,
		outboundOpen: true,
		trigger:      make(chan struct{}),
		inboundDone:  make(chan struct{}),
		outboundDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}
	b.obs.Opened(id, child.PID())

	b.setState(Piping)
	go b.pumpInbound()
	go b.pumpOutbound()
	go b.supervise(ctx)

	return b, nil
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) PID() int { return b.child.PID() }

func (b *Bridge) State() State {
	b.m.Lock()
	defer b.m.Unlock()
	return b.state
}

// Open reports whether each direction of the bridge is still open.
func (b *Bridge) Open() (inbound, outbound bool) {
	b.m.Lock()
	defer b.m.Unlock()
	return b.inboundOpen, b.outboundOpen
}

// Err returns the first stream error the bridge encountered, or nil.
func (b *Bridge) Err() error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.err == nil {
		return nil
	}
	return b.err
}

// Result returns how the child process terminated. It blocks until the bridge is closed.
func (b *Bridge) Result() process.Result {
	<-b.closed
	return b.result
}

// Done is closed once the bridge has been torn down.
func (b *Bridge) Done() <-chan struct{} { return b.closed }

// Wait blocks until the bridge is closed or ctx is done, and returns the bridge's stream error, if any.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.closed:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the bridge and waits for the teardown to finish. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.fire("closed by caller")
	<-b.closed
	return b.Err()
}

func (b *Bridge) setState(s State) {
	b.m.Lock()
	from := b.state
	b.state = s
	b.m.Unlock()
	b.log.Debugf("state %s -> %s", from, s)
}

func (b *Bridge) fire(reason string) {
	b.triggerOnce.Do(func() {
		b.reason = reason
		close(b.trigger)
	})
}

// fail records err as the bridge's error unless it is the expected fallout of a teardown in progress.
func (b *Bridge) fail(dir Direction, err error) {
	b.m.Lock()
	if b.state >= Draining || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
		b.m.Unlock()
		b.log.Debugf("%s stream closed: %s", dir, err)
		return
	}
	streamErr := &StreamError{Direction: dir, Err: err}
	first := b.err == nil
	if first {
		b.err = streamErr
	}
	b.m.Unlock()

	if first {
		b.obs.StreamFailed(b.id, streamErr)
	}
}

func (b *Bridge) pumpInbound() {
	defer close(b.inboundDone)
	buf := make([]byte, b.opts.bufferSize)
	n, err := io.CopyBuffer(writerOnly{b.child.Stdin()}, readerOnly{b.in}, buf)
	b.log.Debugw("done copying inbound", "Bytes", n, "Error", err)

	// record the failure before closing stdin, which may make the process exit and start the teardown
	if err != nil {
		b.fail(Inbound, err)
	}
	if closeErr := b.child.CloseStdin(); closeErr != nil && err == nil {
		err = closeErr
		b.fail(Inbound, err)
	}
	b.m.Lock()
	b.inboundOpen = false
	b.m.Unlock()

	if err != nil {
		b.fire("inbound stream error")
		return
	}
	b.fire("end of inbound stream")
}

func (b *Bridge) pumpOutbound() {
	defer close(b.outboundDone)
	buf := make([]byte, b.opts.bufferSize)
	n, err := io.CopyBuffer(writerOnly{b.out}, readerOnly{b.child.Stdout()}, buf)
	b.log.Debugw("done copying outbound", "Bytes", n, "Error", err)

	b.m.Lock()
	b.outboundOpen = false
	b.m.Unlock()

	if err != nil {
		b.fail(Outbound, err)
		b.fire("outbound stream error")
		return
	}
	b.fire("end of process output")
}

func (b *Bridge) supervise(ctx context.Context) {
	select {
	case <-b.trigger:
	case <-b.child.Done():
		b.fire("process exited")
	case <-ctx.Done():
		b.fire("context done")
	}
	b.teardown()
}

func (b *Bridge) teardown() {
	b.setState(Draining)
	b.log.Debugf("tearing down: %s", b.reason)

	res := b.child.Stop(b.opts.grace, b.opts.killGrace)
	b.m.Lock()
	b.inboundOpen = false
	b.m.Unlock()

	// the process group is gone, but something that left the group may still hold its stdout
	if !b.waitFor(b.outboundDone, b.opts.grace) {
		b.log.Debugf("output not drained within %s of process exit", b.opts.grace)
	}

	b.child.Release()
	b.closeStreams()
	if !b.waitFor(b.outboundDone, b.opts.grace) {
		b.log.Warnf("outbound stream still blocked after close")
	}
	if !b.waitFor(b.inboundDone, b.opts.grace) {
		b.log.Warnf("inbound stream still blocked after close")
	}

	b.m.Lock()
	b.outboundOpen = false
	b.result = res
	b.m.Unlock()

	b.setState(Closed)
	b.obs.Closed(b.id, res, time.Since(b.started))
	close(b.closed)
}

func (b *Bridge) waitFor(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// closeStreams closes the connection side of both directions. When in and out are the same
// connection it is closed twice, so the second error is only logged.
func (b *Bridge) closeStreams() {
	if c, ok := b.out.(io.Closer); ok {
		if err := c.Close(); err != nil {
			b.log.Debugf("error closing outbound stream: %s", err)
		}
	}
	if c, ok := b.in.(io.Closer); ok {
		if err := c.Close(); err != nil {
			b.log.Debugf("error closing inbound stream: %s", err)
		}
	}
}

// writerOnly and readerOnly hide io.ReaderFrom and io.WriterTo so that copies always go
// through the bridge's own bounded buffer.
type writerOnly struct{ io.Writer }

type readerOnly struct{ io.Reader }
