// Command echoserver serves the test service over gRPC-over-HTTP/2 and can
// call a running instance. It is useful for exercising clients and proxies
// against the call engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var CLI struct {
	Serve ServeCommand      `cmd:"" default:"withargs" help:"Serve the echo service."`
	Call  CallCommand       `cmd:"" help:"Call a running echo service."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`

	LogLevel    zapcore.Level `help:"Minimum level of log messages." default:"info"`
	Development bool          `help:"Use human-friendly log output."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`gRPC-over-HTTP/2 echo service

Serves grpccall.testing.TestService over plaintext HTTP/2 (h2c), or calls a running instance.
		`),
	)
	logger, err := newLogger(CLI.LogLevel, CLI.Development)
	kongCtx.FatalIfErrorf(err)
	kongCtx.Bind(logger)

	err = kongCtx.Run()
	if err != nil {
		logger.Error("command failed", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(level zapcore.Level, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
