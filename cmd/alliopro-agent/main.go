// Spins up the alliopro agent: the interceptor between client pages and the origin, with its control port.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/alliopro/pkg/config"
	"github.com/nobletooth/alliopro/pkg/interceptor"
	"github.com/nobletooth/alliopro/pkg/port"
	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/nobletooth/alliopro/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	printVersion  = flag.Bool("print_version", false, "Print the version and exit.")
	listenAddress = flag.String("listen_address", "127.0.0.1:8081",
		"The ip:port client pages reach the interceptor on.")
	metricsAddress = flag.String("metrics_address", "127.0.0.1:9091",
		"The ip:port serving prometheus metrics; empty disables it.")
	installRetryInterval = flag.Duration("install_retry_interval", 30*time.Second,
		"Delay between failed installs of the cache generation.")
)

// installUntilReady registers fresh workers until one installs, waiting `retryInterval` between failures.
func installUntilReady(ctx context.Context, registration *interceptor.Registration,
	newWorker func() (*interceptor.Worker, error), retryInterval time.Duration) error {
	for {
		worker, err := newWorker()
		if err != nil {
			return fmt.Errorf("failed to create the cache generation: %w", err)
		}
		err = registration.Register(ctx, worker)
		if err == nil {
			return nil
		}
		slog.Warn("Failed to install the cache generation, retrying.",
			"generation", worker.Generation(), "retry_in", retryInterval, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}

// run wires the agent and blocks until `ctx` is done or a component fails.
func run(ctx context.Context) error {
	network, err := interceptor.NewNetworkFromFlags()
	if err != nil {
		return err
	}
	st, err := storage.NewFromFlags(network.Origin())
	if err != nil {
		return fmt.Errorf("failed to open cache storage: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close cache storage.", "err", err)
		}
	}()

	registration := interceptor.NewRegistration(interceptor.NewClientRegistry())
	newWorker := func() (*interceptor.Worker, error) {
		return interceptor.NewWorkerFromFlags(st, network, registration.Clients())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return installUntilReady(groupCtx, registration, newWorker, *installRetryInterval)
	})
	group.Go(func() error {
		return utils.Serve(groupCtx, *listenAddress, interceptor.NewHandler(registration, network))
	})
	if *metricsAddress != "" {
		group.Go(func() error {
			metrics := http.NewServeMux()
			metrics.Handle("/metrics", promhttp.Handler())
			return utils.Serve(groupCtx, *metricsAddress, metrics)
		})
	}
	if port.Enabled() {
		group.Go(func() error { return port.RunControlServer(groupCtx, registration, st, newWorker) })
	}
	return group.Wait()
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Alliopro agent build info.", utils.BuildInfo()...)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling agent context.", "signal", sig)
		cancel()
	}()

	slog.Info("Starting alliopro agent.", utils.BuildInfo()...)
	if err := run(ctx); err != nil {
		slog.Error("Alliopro agent stopped.", "err", err)
		os.Exit(1)
	}
}
