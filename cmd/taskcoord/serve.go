package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/config"
	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/internal/exec"
	"github.com/Lobbi-Docs/taskcoord/internal/logging"
	"github.com/Lobbi-Docs/taskcoord/internal/spool"
	"github.com/Lobbi-Docs/taskcoord/internal/worker"
)

var (
	serveDash    bool
	serveNoSpool bool
	serveNoPool  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator with workers and spool ingestion",
	Long: `Run the task coordinator as a foreground process.

Starts, in one process:
  - the coordinator: matching loop, retry timers, retention sweep
  - an in-process worker pool loaded from workers.yaml, with the
    built-in handlers (shell, sleep, echo)
  - the spool watcher: JSON submission files dropped into the spool
    directory are submitted and archived

Interrupted tasks from a previous run are requeued on startup.

Examples:
  taskcoord serve               # headless, structured logs to stderr
  taskcoord serve --dash        # with the live dashboard
  taskcoord serve --no-spool    # without spool ingestion
  taskcoord serve --no-pool     # coordinator only, external workers`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDash, "dash", false, "Show the live dashboard instead of logs")
	serveCmd.Flags().BoolVar(&serveNoSpool, "no-spool", false, "Disable spool directory ingestion")
	serveCmd.Flags().BoolVar(&serveNoPool, "no-pool", false, "Do not start the in-process worker pool")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// The dashboard owns the terminal, so logging goes quiet with it on.
	logger := zap.NewNop()
	if !serveDash {
		logger, err = logging.New(logging.Config{Level: cfg.Log.Level})
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()
	}

	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	coord := coordinator.New(db,
		coordinator.WithMatchInterval(cfg.Queue.MatchInterval),
		coordinator.WithEventBuffer(cfg.Queue.EventBuffer),
		coordinator.WithRetention(cfg.Retention.Schedule, cfg.Retention.Retain),
		coordinator.WithRetryPolicy(cfg.RetryPolicy()),
		coordinator.WithLogger(logger),
	)

	var pool *worker.Pool
	if !serveNoPool {
		defs, err := loadWorkerDefinitions(cfg)
		if err != nil {
			return err
		}
		handlers := worker.Builtins(exec.NewRunner(), logger)
		pool = worker.NewPool(coord, handlers, defs, logger)
		coord.SetDispatcher(pool)
		if err := pool.Start(); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	if err := coord.Start(); err != nil {
		if pool != nil {
			pool.Stop()
		}
		return fmt.Errorf("start coordinator: %w", err)
	}

	var spooler *spool.Watcher
	if !serveNoSpool {
		spooler, err = spool.New(coord, cfg.SpoolDir(), logger)
		if err == nil {
			err = spooler.Start()
		}
		if err != nil {
			if pool != nil {
				pool.Stop()
			}
			coord.Stop()
			return fmt.Errorf("start spool watcher: %w", err)
		}
	}

	// Ingestion stops first, then workers drain, then the coordinator
	// requeues whatever the workers abandoned.
	shutdown := func() {
		if spooler != nil {
			spooler.Stop()
		}
		if pool != nil {
			pool.Stop()
		}
		coord.Stop()
	}

	logger.Info("coordinator serving",
		zap.String("db", db.Path()),
		zap.Bool("pool", pool != nil),
		zap.Bool("spool", spooler != nil))

	if serveDash {
		err := serveWithDashboard(coord, cfg)
		shutdown()
		return err
	}

	// Headless: block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", zap.String("signal", sig.String()))
	shutdown()
	return nil
}

// loadWorkerDefinitions reads workers.yaml if configured, otherwise falls
// back to the default local pool.
func loadWorkerDefinitions(cfg *config.Config) ([]worker.Definition, error) {
	if cfg.Workers.Definitions == "" {
		return worker.DefaultDefinitions(), nil
	}
	defs, err := worker.LoadDefinitions(cfg.Workers.Definitions)
	if err != nil {
		return nil, fmt.Errorf("load worker definitions: %w", err)
	}
	return defs, nil
}
