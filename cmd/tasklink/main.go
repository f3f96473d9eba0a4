// Command tasklink connects to an engine proxy, starts the workers listed in
// the config file and serves worker status over HTTP until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/tasklink/client"
	"github.com/seantiz/tasklink/internal/api"
	"github.com/seantiz/tasklink/internal/config"
	"github.com/seantiz/tasklink/internal/events"
	"github.com/seantiz/tasklink/internal/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("tasklink: starting",
		"version", version,
		"proxy", cfg.ProxyTarget,
		"status_addr", cfg.StatusAddr,
		"workers", len(cfg.File.Workers),
	)

	shutdownTracing, err := tracing.Setup("tasklink", version, cfg.TraceFile)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("flush traces", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	defer broker.Close()

	c, err := client.Dial(ctx, cfg.ClientSettings(), client.WithLogger(logger), client.WithEvents(broker))
	if err != nil {
		return fmt.Errorf("connect to proxy: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("close client", "error", err)
		}
	}()

	if err := startWorkers(ctx, c, cfg.File.Workers); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	// The status server goes down with the proxy connection.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-c.Done():
			cancel(c.Err())
		case <-ctx.Done():
		}
	}()

	srv := api.NewServer(cfg.StatusAddr, c, broker, logger)
	return srv.Serve(ctx)
}

func startWorkers(ctx context.Context, c *client.Client, workers []config.WorkerConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			_, err := c.StartWorker(ctx, w.Kind, w.Domain, w.TaskList, w.Type, w.Options)
			return err
		})
	}
	return g.Wait()
}
