// codebot is the autonomous coding-task orchestrator. It runs as a
// producer (polls trackers and enqueues work) or a consumer (executes
// tasks), either one-shot or continuously.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/codebot/pkg/api"
	"github.com/codeready-toolchain/codebot/pkg/broker"
	"github.com/codeready-toolchain/codebot/pkg/cleanup"
	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/consumer"
	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/environment"
	"github.com/codeready-toolchain/codebot/pkg/healthcheck"
	"github.com/codeready-toolchain/codebot/pkg/producer"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/version"
)

// Exit codes: 0 clean, 1 configuration error, 2 runtime error.
const (
	exitConfig  = 1
	exitRuntime = 2
)

const shutdownGrace = 300 * time.Second

func main() {
	mode := flag.String("mode", "", "Process mode: producer or consumer (required)")
	continuous := flag.Bool("continuous", false, "Run continuously instead of a single pass")
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *mode != "producer" && *mode != "consumer" {
		fmt.Fprintln(os.Stderr, "--mode must be producer or consumer")
		flag.Usage()
		os.Exit(exitConfig)
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded, using existing environment", "error", err)
	}

	slog.Info("Starting codebot",
		"version", version.GitCommit,
		"mode", *mode,
		"continuous", *continuous,
		"config", *configPath)

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}

	if err := run(cfg, *mode, *continuous); err != nil {
		slog.Error("codebot exited with error", "error", err)
		os.Exit(exitRuntime)
	}
}

func run(cfg *config.Config, mode string, continuous bool) error {
	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open task index: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing task index", "error", err)
		}
	}()

	brk, err := broker.New(cfg.Broker, db)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer func() {
		if err := brk.Close(); err != nil {
			slog.Error("Error closing broker", "error", err)
		}
	}()

	tasks := services.NewTaskService(db)

	if mode == "producer" {
		return runProducer(ctx, cfg, brk, tasks, continuous)
	}
	return runConsumer(ctx, cfg, db, brk, tasks, continuous)
}

func runProducer(ctx context.Context, cfg *config.Config, brk broker.Broker, tasks *services.TaskService, continuous bool) error {
	var p *producer.Producer
	if cfg.CommandExecutor.Enabled {
		p = producer.New(cfg, brk, tasks, environment.NewManager(cfg.CommandExecutor))
	} else {
		p = producer.New(cfg, brk, tasks, nil)
	}

	if !continuous {
		if err := p.ResumptionSweep(ctx); err != nil {
			slog.Warn("Resumption sweep failed", "error", err)
		}
		return p.RunOnce(ctx)
	}

	hostname, _ := os.Hostname()
	hb := healthcheck.NewWriter(cfg.Continuous.Healthcheck, "producer", hostname)
	hb.Start(ctx)
	defer hb.Stop()

	p.Start(ctx)
	waitForShutdown()

	done := stopWithGrace(p.Stop)
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		return fmt.Errorf("producer did not stop within %s", shutdownGrace)
	}
	return nil
}

func runConsumer(ctx context.Context, cfg *config.Config, db *database.Client, brk broker.Broker, tasks *services.TaskService, continuous bool) error {
	c := consumer.New(cfg, brk, tasks)

	if !continuous {
		return c.RunOnce(ctx)
	}

	hostname, _ := os.Hostname()
	hb := healthcheck.NewWriter(cfg.Continuous.Healthcheck, "consumer", hostname)
	hb.Start(ctx)
	defer hb.Stop()

	sweeper := cleanup.NewService(cfg, tasks)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var statusAPI *api.Server
	if cfg.API.Enabled {
		statusAPI = api.NewServer(db, tasks)
		statusAPI.Start(cfg.API.Port)
	}

	c.Start(ctx)
	waitForShutdown()

	if statusAPI != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := statusAPI.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Status API shutdown failed", "error", err)
		}
		cancel()
	}

	// An in-flight task gets the full grace window to pause or finish.
	done := stopWithGrace(c.Stop)
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		return fmt.Errorf("consumer did not stop within %s", shutdownGrace)
	}
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutdown signal received", "signal", s.String())
}

func stopWithGrace(stop func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	return done
}
