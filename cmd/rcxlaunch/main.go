package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/routecodex/launcher/internal/cli"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Signals are consumed by the lifecycle supervisor, which forwards them
	// to the child before tearing down, so no NotifyContext here.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	r := cli.NewRunner(os.Stdout, os.Stderr, logger, sigs)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
