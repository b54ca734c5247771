package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/conflict"
	"github.com/driftline/driftline/internal/executor"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/netmon"
	"github.com/driftline/driftline/internal/orchestrator"
	"github.com/driftline/driftline/internal/syncqueue"
)

// app holds the wired daemon components.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *kvstore.Store
	queue    *syncqueue.Queue
	monitor  *netmon.Monitor
	exec     *executor.Executor
	resolver *conflict.Resolver
	orch     *orchestrator.Orchestrator
	hub      *wsHub
}

func logLevel(name string) logging.LogLevel {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// buildApp wires every component from the configuration.
func buildApp(cfg *config.Config) (*app, error) {
	logging.Init(os.Stderr, logLevel(cfg.LogLevel))
	log := logging.Get()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	store := kvstore.Open(log, kvstore.DefaultChain(cfg.DataDir))
	if _, err := kvstore.Migrate(store); err != nil {
		store.Close()
		return nil, err
	}
	store.EnableWorker()

	policy := &syncqueue.BackoffPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Base:        cfg.Queue.BackoffBase.Std(),
		Cap:         cfg.Queue.BackoffCap.Std(),
	}
	queue := syncqueue.New(store, log,
		syncqueue.WithBackoffPolicy(policy),
		syncqueue.WithWakeRegistrar(newWakeFile(cfg.DataDir, log)))

	monitor := netmon.New(netmon.NewHTTPProber(cfg.ProbeURL()), log,
		netmon.WithProbeInterval(cfg.Network.ProbeInterval.Std()))

	client := executor.NewClient(cfg.ServerURL,
		executor.WithBearerToken(cfg.AuthToken))
	exec := executor.New(client, log,
		executor.WithBatchTimeout(cfg.Sync.BatchTimeout.Std()))

	resolver := conflict.New(queue, store, client, log)

	orch := orchestrator.New(monitor, queue, exec, log,
		orchestrator.WithSyncInterval(cfg.Sync.Interval.Std()),
		orchestrator.WithDebounce(cfg.Sync.Debounce.Std()),
		orchestrator.WithMinInterval(cfg.Sync.MinInterval.Std()),
		orchestrator.WithBatchSize(cfg.Sync.BatchSize),
		orchestrator.WithAuthToken(func() string { return cfg.AuthToken }))

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		queue:    queue,
		monitor:  monitor,
		exec:     exec,
		resolver: resolver,
		orch:     orch,
		hub:      newWSHub(log),
	}
	a.hub.attach(queue, monitor)
	return a, nil
}

// start launches the background components and returns; the monitor's
// probe loop blocks until ctx is done, so it gets its own goroutine.
func (a *app) start(ctx context.Context) {
	go a.monitor.Start(ctx)
	a.orch.Start(ctx)
}

// stop shuts everything down in dependency order.
func (a *app) stop() {
	a.orch.Stop()
	a.exec.Shutdown()
	a.hub.close()
	a.store.Close()
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.start(ctx)

			// hot-reload only touches the log level; structural changes
			// need a restart
			watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
				logging.Init(os.Stderr, logLevel(next.LogLevel))
			}, a.log)
			if err == nil {
				if werr := watcher.Start(); werr != nil {
					a.log.Warn("Config watcher unavailable",
						map[string]interface{}{"error": werr.Error()})
				} else {
					defer watcher.Stop()
				}
			}

			srv := &http.Server{
				Addr:    cfg.Listen,
				Handler: a.routes(),
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("Control API listening",
					map[string]interface{}{"addr": cfg.Listen})
				errCh <- srv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				a.stop()
				return err
			case sig := <-sigCh:
				a.log.Info("Shutting down",
					map[string]interface{}{"signal": sig.String()})
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)

			cancel()
			a.stop()
			return nil
		},
	}
}
