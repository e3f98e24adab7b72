package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/stdiobridge/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func newTestAgent(t *testing.T, modify func(cfg *config.Config)) (*Agent, *Client) {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Command = "cat"
	cfg.Args = nil
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.KillGracePeriod = 200 * time.Millisecond
	if modify != nil {
		modify(cfg)
	}

	agent, err := NewAgent(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, agent.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	client, err := NewClient(log, "http://"+agent.Addr().String(), WithClientPath(cfg.Path))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))
	return agent, client
}

// openSession starts a bridge whose child prints its PID on the first line, and returns the PID,
// the writer for the request body, and a reader for the rest of the response.
func openSession(t *testing.T, ctx context.Context, client *Client) (int, *io.PipeWriter, *bufio.Reader, io.Closer) {
	t.Helper()
	bodyR, bodyW := io.Pipe()
	t.Cleanup(func() { bodyW.Close() })

	rc, err := client.Bridge(ctx, bodyR)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	reader := bufio.NewReader(rc)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	return pid, bodyW, reader, rc
}

func processGone(pid int) func() bool {
	return func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}
}

func TestBridgeHTTP(t *testing.T) {
	cases := []struct {
		name    string
		cmd     string
		args    []string
		body    string
		expBody string
	}{
		{
			name:    "echo",
			cmd:     "cat",
			body:    "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/list\"}\n",
			expBody: "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/list\"}\n",
		},
		{
			name: "empty body and no output",
			cmd:  "true",
		},
		{
			name:    "large body",
			cmd:     "cat",
			body:    strings.Repeat("0123456789abcdef", 64*1024),
			expBody: strings.Repeat("0123456789abcdef", 64*1024),
		},
		{
			name:    "stderr is not part of the response",
			cmd:     "sh",
			args:    []string{"-c", "echo oops 1>&2; cat"},
			body:    "foo",
			expBody: "foo",
		},
		{
			name:    "output after a non-zero exit is still delivered",
			cmd:     "sh",
			args:    []string{"-c", "cat; exit 3"},
			body:    "bar",
			expBody: "bar",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			agent, client := newTestAgent(t, func(cfg *config.Config) {
				cfg.Command = c.cmd
				cfg.Args = c.args
			})

			rc, err := client.Bridge(context.Background(), strings.NewReader(c.body))
			require.NoError(t, err)
			defer rc.Close()
			b, err := io.ReadAll(rc)
			require.NoError(t, err)

			assert.Equal(t, c.expBody, string(b))
			assert.Equal(t, float64(1), testutil.ToFloat64(agent.metrics.spawned))
			assert.Equal(t, float64(0), testutil.ToFloat64(agent.metrics.launchFailures))
			assert.Equal(t, 0, testutil.CollectAndCount(agent.metrics.streamErrors))
		})
	}
}

func TestNotFound(t *testing.T) {
	agent, client := newTestAgent(t, nil)
	noRedirects := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer func() {
		assert.Equal(t, float64(0), testutil.ToFloat64(agent.metrics.spawned))
	}()

	cases := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: "/mcp"},
		{method: http.MethodPut, path: "/mcp"},
		{method: http.MethodPost, path: "/"},
		{method: http.MethodPost, path: "/mcp/extra"},
		{method: http.MethodPost, path: "/mcp/"},
		{method: http.MethodPost, path: "/MCP"},
		{method: http.MethodPost, path: "//mcp"},
	}
	for _, c := range cases {
		t.Run(c.method+" "+c.path, func(t *testing.T) {
			req, err := http.NewRequest(c.method, client.baseURL+c.path, strings.NewReader("x"))
			require.NoError(t, err)
			resp, err := noRedirects.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Empty(t, resp.Header.Get("Location"))
			assert.Equal(t, "Not Found\n", string(b))
		})
	}
}

func TestBridgeIgnoresQuery(t *testing.T) {
	_, client := newTestAgent(t, nil)

	req, err := http.NewRequest(http.MethodPost, client.baseURL+"/mcp?session=1", strings.NewReader("hello\n"))
	require.NoError(t, err)
	resp, err := client.StreamClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello\n", string(b))
}

func TestLaunchFailure(t *testing.T) {
	agent, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.Command = "definitely-not-a-real-command-7f3a"
	})

	_, err := client.Bridge(context.Background(), strings.NewReader("hello"))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Contains(t, statusErr.Body, "definitely-not-a-real-command-7f3a")

	assert.Equal(t, float64(1), testutil.ToFloat64(agent.metrics.launchFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(agent.metrics.spawned))
	assert.Equal(t, float64(0), testutil.ToFloat64(agent.metrics.activeBridges))
}

func TestClientDisconnectTerminatesProcess(t *testing.T) {
	_, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.Command = "sh"
		cfg.Args = []string{"-c", "echo $$; exec sleep 30"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pid, _, _, rc := openSession(t, ctx, client)
	require.NoError(t, syscall.Kill(pid, 0))

	cancel()
	rc.Close()

	require.Eventually(t, processGone(pid), 5*time.Second, 20*time.Millisecond)
}

func TestConcurrentConnections(t *testing.T) {
	agent, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.Command = "sh"
		cfg.Args = []string{"-c", "echo $$; exec cat"}
	})
	ctx := context.Background()

	pid1, body1, out1, _ := openSession(t, ctx, client)
	pid2, body2, out2, _ := openSession(t, ctx, client)
	assert.NotEqual(t, pid1, pid2)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.ActiveBridges)
	assert.Equal(t, float64(2), testutil.ToFloat64(agent.metrics.activeBridges))

	for i, body := range []*io.PipeWriter{body1, body2} {
		_, err := fmt.Fprintf(body, "session %d\n", i+1)
		require.NoError(t, err)
		require.NoError(t, body.Close())
	}

	rest1, err := io.ReadAll(out1)
	require.NoError(t, err)
	rest2, err := io.ReadAll(out2)
	require.NoError(t, err)
	assert.Equal(t, "session 1\n", string(rest1))
	assert.Equal(t, "session 2\n", string(rest2))

	require.Eventually(t, processGone(pid1), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, processGone(pid2), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		health, err := client.Health(ctx)
		return err == nil && health.ActiveBridges == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMaxProcesses(t *testing.T) {
	_, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.Command = "sh"
		cfg.Args = []string{"-c", "echo $$; exec cat"}
		cfg.MaxProcesses = 1
	})
	ctx := context.Background()

	pid, body, out, _ := openSession(t, ctx, client)

	_, err := client.Bridge(ctx, strings.NewReader("x"))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)

	require.NoError(t, body.Close())
	_, err = io.ReadAll(out)
	require.NoError(t, err)
	require.Eventually(t, processGone(pid), 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		rc, err := client.Bridge(ctx, strings.NewReader(""))
		if err != nil {
			return false
		}
		defer rc.Close()
		_, err = io.ReadAll(rc)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWebSocket(t *testing.T) {
	agent, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.WebSocket = true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.DialBridge(ctx)
	require.NoError(t, err)

	for _, msg := range []string{"hello\n", "world\n"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		buf := make([]byte, len(msg))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(agent.metrics.activeBridges) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(agent.metrics.exited.WithLabelValues("0")))
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	_, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.WebSocket = true
	})

	resp, err := client.StreamClient.Get(client.baseURL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, client := newTestAgent(t, nil)

	rc, err := client.Bridge(context.Background(), strings.NewReader("hi"))
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()

	resp, err := client.HTTPClient.Get(client.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(b), "stdiobridge_processes_spawned_total 1")
	assert.Contains(t, string(b), `stdiobridge_processes_exited_total{code="0"} 1`)
	assert.Contains(t, string(b), "stdiobridge_active_bridges 0")
}

func TestStopClosesBridges(t *testing.T) {
	agent, client := newTestAgent(t, func(cfg *config.Config) {
		cfg.Command = "sh"
		cfg.Args = []string{"-c", "echo $$; exec sleep 30"}
	})

	pid, _, _, _ := openSession(t, context.Background(), client)

	start := time.Now()
	require.NoError(t, agent.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, processGone(pid)())
	require.Eventually(t, func() bool { return agent.activeBridges() == 0 }, 5*time.Second, 20*time.Millisecond)
}
