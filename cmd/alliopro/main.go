// Spins up the alliopro origin server: assets, memoized lookups and metrics.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nobletooth/alliopro/pkg/config"
	"github.com/nobletooth/alliopro/pkg/server"
	"github.com/nobletooth/alliopro/pkg/utils"
)

var printVersion = flag.Bool("print_version", false, "Print the version and exit.")

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Alliopro build info.", utils.BuildInfo()...)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	originServer, err := server.NewServerFromFlags()
	if err != nil {
		slog.Error("Failed to create the origin server.", "err", err)
		os.Exit(1)
	}
	slog.Info("Starting alliopro origin server.", utils.BuildInfo()...)
	if err := originServer.Run(ctx); err != nil {
		slog.Error("Alliopro server stopped.", "err", err)
		os.Exit(1)
	}
}
