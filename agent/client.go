package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client talks to a bridge server.
type Client struct {
	Logger *zap.SugaredLogger
	// HTTPClient retries failed requests. It is used for requests without a streaming body.
	HTTPClient *http.Client
	// StreamClient is used for bridge requests, whose bodies are streams and can't be replayed.
	StreamClient *http.Client

	baseURL                  string
	path                     string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("stdiobridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientPath sets the bridge path, if the server doesn't use the default.
func WithClientPath(p string) ClientOption {
	return func(c *Client) {
		c.path = p
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient constructs a client for the server at baseURL, e.g. "http://127.0.0.1:3000".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	c := &Client{
		Logger:       log.Named("stdiobridge_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		path:         "/mcp",
		waitInterval: 100 * time.Millisecond,
		StreamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// Health fetches the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	var health HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Bridge sends body to the process behind the server and returns its output as it is produced.
// The caller must close the returned reader. Canceling ctx aborts the exchange and stops the process.
func (c *Client) Bridge(ctx context.Context, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending bridge request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var respBody string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			respBody = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			respBody = strings.TrimSpace(string(b))
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: respBody}
	}
	return resp.Body, nil
}

// DialBridge opens a WebSocket session with a new process behind the server.
// Writes to the returned conn go to the process's stdin, reads come from its stdout.
func (c *Client) DialBridge(ctx context.Context) (net.Conn, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + c.path

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.StreamClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// StatusError is returned when the server rejects a bridge request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d received: %s", e.Code, e.Body)
}
