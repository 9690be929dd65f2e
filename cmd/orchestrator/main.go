// Package main is the entry point for the Lark/Feishu session orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/lark"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/orchestrator"
	"github.com/kandev/larkacp/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to the config directory (alias --config)")
		logLevel   = flag.String("l", "", "log level: trace|debug|info|warn|error|fatal (alias --log-level)")
		initWizard = flag.Bool("i", false, "run the setup wizard (alias --init)")
	)
	flag.StringVar(configPath, "config", "", "path to the config directory")
	flag.StringVar(logLevel, "log-level", "", "log level: trace|debug|info|warn|error|fatal")
	flag.BoolVar(initWizard, "init", false, "run the setup wizard")
	flag.Parse()

	if *initWizard {
		fmt.Fprintln(os.Stderr, "setup wizard is not implemented in this build; create config.yaml by hand")
		return 0
	}

	// 1. Load configuration.
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting larkacp orchestrator")

	// 3. Create context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the session store and reconcile any cold-start artifacts:
	// a session persisted as "running" with no live subprocess behind it
	// is left over from a previous process's hard exit, not a real
	// in-flight prompt (SPEC_FULL §C).
	s, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer s.Close()

	reconciled, err := s.ReconcileRunningToIdle(ctx)
	if err != nil {
		log.Error("failed to reconcile running sessions", zap.Error(err))
		return 1
	}
	if reconciled > 0 {
		log.Info("reconciled stale running sessions to idle", zap.Int64("count", reconciled))
	}

	// 5. Connect the Lark Gateway and wire the Orchestrator behind it.
	gw, err := lark.NewGateway(lark.Config{
		AppID:               cfg.Lark.AppID,
		AppSecret:           cfg.Lark.AppSecret,
		BaseDomain:          cfg.Lark.BaseDomain,
		BotOpenID:           cfg.Lark.BotOpenID,
		EventDedupCacheSize: cfg.Lark.EventDedupCacheSize,
	}, s, log)
	if err != nil {
		log.Error("failed to construct lark gateway", zap.Error(err))
		return 1
	}

	orch := orchestrator.New(cfg, s, gw.Transport(), log)
	gw.OnMessage = orch.HandleMessage
	gw.OnCardAction = orch.HandleCardAction

	// 6. Run the gateway's event stream and the processed-event pruner as
	// a coordinated group: either loop exiting tears down the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return runEventPruner(gctx, s, log) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			log.Error("ingress loop stopped unexpectedly", zap.Error(err))
			cancel()
			return 1
		}
	}

	// 7. Graceful shutdown: stop the gateway and pruner, then the
	// Orchestrator (kill child processes, cancel pending permission
	// timers, close the store).
	cancel()
	_ = g.Wait()
	if err := orch.Shutdown(context.Background()); err != nil {
		log.Error("orchestrator shutdown error", zap.Error(err))
		return 1
	}

	log.Info("larkacp orchestrator stopped")
	return 0
}

// runEventPruner periodically sweeps processed_events rows old enough that
// the dedup LRU would have evicted them anyway, keeping the durable table
// from growing unbounded across long uptimes (§6, P3). It exits when ctx is
// cancelled, same as the gateway's event loop.
func runEventPruner(ctx context.Context, s *store.Store, log *logger.Logger) error {
	const maxAge = 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PruneOlderThan(ctx, maxAge)
			if err != nil {
				log.Warn("prune processed events failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pruned processed events", zap.Int64("count", n))
			}
		}
	}
}
