package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/stdiobridge/agent/bridge"
	"github.com/guseggert/stdiobridge/agent/process"
	"github.com/guseggert/stdiobridge/internal/config"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"nhooyr.io/websocket"
)

// Agent is an HTTP server that bridges every accepted request to the stdio of a newly launched process.
type Agent struct {
	logger  *zap.SugaredLogger
	cfg     config.Config
	metrics *Metrics

	spawner bridge.Spawner
	slots   *semaphore.Weighted

	listener   net.Listener
	httpServer *http.Server
	startedAt  time.Time

	stopOnce sync.Once
	stopErr  error

	bridgesMut sync.Mutex
	bridges    map[*bridge.Bridge]struct{}
}

type Option func(a *Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("stdiobridge").Sugar()
	}
}

func WithMetrics(m *Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithSpawner replaces the default one-process-per-connection policy.
func WithSpawner(s bridge.Spawner) Option {
	return func(a *Agent) {
		a.spawner = s
	}
}

// NewAgent constructs an agent from a validated config. It does not start listening.
func NewAgent(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:  logger.Named("stdiobridge").Sugar(),
		cfg:     *cfg,
		bridges: map[*bridge.Bridge]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics("")
	}
	if a.spawner == nil {
		a.spawner = bridge.PerConnection(&process.Launcher{
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.Env,
			Dir:      cfg.Dir,
			Log:      a.logger.Named("launcher"),
			Observer: a.observer(),
		})
	}
	if cfg.MaxProcesses > 0 {
		a.slots = semaphore.NewWeighted(int64(cfg.MaxProcesses))
	}
	return a, nil
}

func (a *Agent) observer() *observer {
	return &observer{log: a.logger.Named("events"), metrics: a.metrics}
}

func (a *Agent) router() http.Handler {
	router := httprouter.New()
	router.HandleMethodNotAllowed = false
	// only the exact bridge path may launch a process
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.NotFound = http.HandlerFunc(notFound)

	router.POST(a.cfg.Path, a.bridgeHTTP)
	if a.cfg.WebSocket {
		router.GET(a.cfg.Path, a.bridgeWS)
	}
	router.GET("/healthz", a.healthz)
	router.Handler(http.MethodGet, "/metrics", a.metrics.Handler())
	return router
}

// Listen binds the listen address. It is separate from Serve so that callers can learn the bound
// address, e.g. when listening on port 0.
func (a *Agent) Listen() error {
	l, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = l
	a.httpServer = &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.startedAt = time.Now()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Agent) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve serves requests until ctx is done or Stop is called, then closes all bridges.
func (a *Agent) Serve(ctx context.Context) error {
	if a.listener == nil {
		return errors.New("Serve called before Listen")
	}
	a.logger.Infof("listening on %s, bridging %s %s to %q", a.listener.Addr(), http.MethodPost, a.cfg.Path, a.cfg.Command)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		err := a.httpServer.Serve(a.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		return a.Stop()
	})
	return group.Wait()
}

// Run listens and serves. It returns once the agent has stopped.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Stop closes the listener and all connections, and tears down every live bridge.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		if a.httpServer != nil {
			a.stopErr = a.httpServer.Close()
		}

		a.bridgesMut.Lock()
		bridges := make([]*bridge.Bridge, 0, len(a.bridges))
		for b := range a.bridges {
			bridges = append(bridges, b)
		}
		a.bridgesMut.Unlock()

		var wg sync.WaitGroup
		for _, b := range bridges {
			wg.Add(1)
			go func(b *bridge.Bridge) {
				defer wg.Done()
				b.Close()
			}(b)
		}
		wg.Wait()
		a.logger.Debugf("stopped, closed %d bridges", len(bridges))
	})
	return a.stopErr
}

func (a *Agent) bridgeOpts() []bridge.Option {
	return []bridge.Option{
		bridge.WithLogger(a.logger.Named("bridge")),
		bridge.WithObserver(a.observer()),
		bridge.WithGracePeriod(a.cfg.GracePeriod),
		bridge.WithKillGracePeriod(a.cfg.KillGracePeriod),
	}
}

func (a *Agent) acquireSlot() (func(), bool) {
	if a.slots == nil {
		return func() {}, true
	}
	if !a.slots.TryAcquire(1) {
		return nil, false
	}
	return func() { a.slots.Release(1) }, true
}

func (a *Agent) track(b *bridge.Bridge) {
	a.bridgesMut.Lock()
	defer a.bridgesMut.Unlock()
	a.bridges[b] = struct{}{}
}

func (a *Agent) untrack(b *bridge.Bridge) {
	a.bridgesMut.Lock()
	defer a.bridgesMut.Unlock()
	delete(a.bridges, b)
}

func (a *Agent) activeBridges() int {
	a.bridgesMut.Lock()
	defer a.bridgesMut.Unlock()
	return len(a.bridges)
}

// bridgeHTTP streams the request body to a new process and its stdout back as the response body.
//
// A launch failure is reported as 502 before anything is written. Once the 200 status has been sent,
// a failure can only show up as the response ending early, because the status is already on the wire.
func (a *Agent) bridgeHTTP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	release, ok := a.acquireSlot()
	if !ok {
		http.Error(w, "too many active processes", http.StatusServiceUnavailable)
		return
	}
	defer release()

	stream := newHTTPStream(w, r)
	w.Header().Set("Content-Type", "application/octet-stream")

	b, err := bridge.Start(r.Context(), a.spawner, stream, stream, a.bridgeOpts()...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.track(b)
	defer a.untrack(b)

	if err := stream.commit(http.StatusOK); err != nil {
		a.logger.Debugf("error sending response headers: %s", err)
	}

	err = b.Wait(context.Background())
	stream.finish()
	if err != nil {
		a.logger.Debugf("bridge %s ended with error: %s", b.ID(), err)
	}
}

// bridgeWS bridges binary WebSocket messages to a new process, for clients that want a long-lived full duplex session.
func (a *Agent) bridgeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	release, ok := a.acquireSlot()
	if !ok {
		http.Error(w, "too many active processes", http.StatusServiceUnavailable)
		return
	}
	defer release()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		// Accept has already written an error response
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	a.logger.Debug("accepted WebSocket conn")

	ctx := r.Context()
	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	b, err := bridge.Start(ctx, a.spawner, conn, conn, a.bridgeOpts()...)
	if err != nil {
		wsConn.Close(websocket.StatusInternalError, closeReason(err))
		return
	}
	a.track(b)
	defer a.untrack(b)

	if err := b.Wait(context.Background()); err != nil {
		a.logger.Debugf("bridge %s ended with error: %s", b.ID(), err)
	}
}

// closeReason truncates err's message to fit in a WebSocket close frame.
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	return reason
}

type HealthResponse struct {
	ActiveBridges int
	StartedAt     string
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HealthResponse{
		ActiveBridges: a.activeBridges(),
		StartedAt:     a.startedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling health response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}
