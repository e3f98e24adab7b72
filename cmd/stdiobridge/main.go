package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/stdiobridge/agent"
	"github.com/guseggert/stdiobridge/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newFlags returns fresh flags on each call, since urfave/cli records parse state in them.
func newFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file. Flags override its values.",
		},
		&cli.StringFlag{
			Name:  "command",
			Usage: "The program to launch for each connection. Positional arguments override this.",
		},
		&cli.StringSliceFlag{
			Name:  "arg",
			Usage: "An argument for the program. May be repeated.",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "A KEY=VALUE pair added to the program's environment. May be repeated.",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "The working directory of the program.",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on. Takes precedence over --port.",
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "The port to listen on, keeping the host of the listen address.",
			EnvVars: []string{"PORT"},
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "The URL path that bridges requests.",
		},
		&cli.BoolFlag{
			Name:  "websocket",
			Usage: "Also accept WebSocket sessions on the bridge path.",
		},
		&cli.DurationFlag{
			Name:  "grace-period",
			Usage: "How long a process may keep running after its stdin is closed.",
		},
		&cli.DurationFlag{
			Name:  "kill-grace-period",
			Usage: "How long to wait after SIGTERM before sending SIGKILL.",
		},
		&cli.IntFlag{
			Name:  "max-processes",
			Usage: "The maximum number of concurrent processes, or 0 for no limit.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error].",
			Value: "info",
		},
	}
}

func main() {
	app := &cli.App{
		Name:      "stdiobridge",
		Usage:     "expose a stdio program over HTTP, one process per connection",
		ArgsUsage: "[command [args...]]",
		Flags:     newFlags(),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logConfig := zap.NewProductionConfig()
			logConfig.Level = zap.NewAtomicLevelAt(level)
			logger, err := logConfig.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			a, err := agent.NewAgent(cfg, agent.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if p := ctx.String("config"); p != "" {
		c, err := config.Load(p)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	if ctx.IsSet("command") {
		cfg.Command = ctx.String("command")
		cfg.Args = nil
	}
	if ctx.IsSet("arg") {
		cfg.Args = ctx.StringSlice("arg")
	}
	if ctx.NArg() > 0 {
		cfg.Command = ctx.Args().First()
		cfg.Args = ctx.Args().Tail()
	}
	if ctx.IsSet("env") {
		cfg.Env = append(cfg.Env, ctx.StringSlice("env")...)
	}
	if ctx.IsSet("dir") {
		cfg.Dir = ctx.String("dir")
	}
	if ctx.IsSet("port") {
		host, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parsing listen address %q: %w", cfg.ListenAddr, err)
		}
		cfg.ListenAddr = net.JoinHostPort(host, fmt.Sprint(ctx.Int("port")))
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("path") {
		cfg.Path = ctx.String("path")
	}
	if ctx.IsSet("websocket") {
		cfg.WebSocket = ctx.Bool("websocket")
	}
	if ctx.IsSet("grace-period") {
		cfg.GracePeriod = ctx.Duration("grace-period")
	}
	if ctx.IsSet("kill-grace-period") {
		cfg.KillGracePeriod = ctx.Duration("kill-grace-period")
	}
	if ctx.IsSet("max-processes") {
		cfg.MaxProcesses = ctx.Int("max-processes")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
