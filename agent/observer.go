package agent

import (
	"strings"
	"time"

	"github.com/guseggert/stdiobridge/agent/bridge"
	"github.com/guseggert/stdiobridge/agent/process"
	"go.uber.org/zap"
)

// observer is the agent's sink for process and bridge events. It logs them and records metrics.
type observer struct {
	log     *zap.SugaredLogger
	metrics *Metrics
}

var (
	_ process.Observer = (*observer)(nil)
	_ bridge.Observer  = (*observer)(nil)
)

func (o *observer) Diagnostic(pid int, text string) {
	o.metrics.diagnostic(len(text))
	o.log.Infow("process stderr", "PID", pid, "Text", strings.TrimRight(text, "\n"))
}

func (o *observer) Exited(pid int, res process.Result) {
	o.metrics.processExited(res.ExitCode)
	if res.Success() {
		o.log.Infow("process exited", "PID", pid, "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
		return
	}
	o.log.Warnw("process exited abnormally",
		"PID", pid,
		"ExitCode", res.ExitCode,
		"Signal", res.Signal,
		"TimeMS", res.TimeMS,
		"Error", res.Err,
	)
}

func (o *observer) Opened(id string, pid int) {
	o.metrics.bridgeOpened()
	o.log.Debugw("bridge opened", "BridgeID", id, "PID", pid)
}

func (o *observer) LaunchFailed(id string, err error) {
	o.metrics.launchFailed()
	o.log.Errorw("unable to launch process", "BridgeID", id, "Error", err)
}

func (o *observer) StreamFailed(id string, err *bridge.StreamError) {
	o.metrics.streamFailed(string(err.Direction))
	o.log.Errorw("bridge stream failed", "BridgeID", id, "Direction", err.Direction, "Error", err.Err)
}

func (o *observer) Closed(id string, res process.Result, d time.Duration) {
	o.metrics.bridgeClosed(d)
	o.log.Debugw("bridge closed", "BridgeID", id, "Result", res.String(), "Duration", d)
}
