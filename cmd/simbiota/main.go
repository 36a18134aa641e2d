// Package main — cmd/simbiota/main.go
//
// SIMBIOTA on-access antivirus agent entrypoint.
//
// Startup sequence (spec.md §2, §7):
//  1. Load and validate config from /etc/simbiota/agent.yaml.
//  2. Initialise structured logger (zap, level/format from config).
//  3. Start the Prometheus metrics/health server (ambient).
//  4. Open the signature database (C5) — fatal on missing/unreadable
//     file or on no resolvable signature object.
//  5. Build the detector (C4) from the configured class.
//  6. Build the detection cache (C3).
//  7. Open the quarantine store (C6), if enabled.
//  8. Open the supplemental audit ledger (bbolt).
//  9. Open the fanotify channel (C1) and mark configured paths.
// 10. Check no other instance is running (C7 startup conflict check).
// 11. Start the database file watcher (C8).
// 12. Start the decision worker (C2) and the fanotify event loop.
// 13. Bind the control socket (C7) and serve it.
// 14. Block on SIGINT/SIGTERM for graceful shutdown.
//
// On any fatal startup error: print to stderr and exit(1), per spec.md
// §6 "Exit codes" and §7's error table.
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
	"go.uber.org/zap/zapcore"

	"github.com/simbiota/agent/internal/cache"
	"github.com/simbiota/agent/internal/config"
	"github.com/simbiota/agent/internal/database"
	"github.com/simbiota/agent/internal/dbwatcher"
	"github.com/simbiota/agent/internal/detector"
	"github.com/simbiota/agent/internal/fanotify"
	"github.com/simbiota/agent/internal/ledger"
	"github.com/simbiota/agent/internal/observability"
	"github.com/simbiota/agent/internal/operator"
	"github.com/simbiota/agent/internal/quarantine"
	"github.com/simbiota/agent/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/simbiota/agent.yaml", "Path to agent.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("simbiota %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("SIMBIOTA starting",
		zap.String("version", config.Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// C5: signature database. Missing/unreadable file or no signature
	// object at all is fatal at startup (spec.md §7).
	db, err := database.Load(cfg.Database.DatabaseFile, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: signature database: %v\n", err)
		os.Exit(1)
	}

	// C4: hash-based detector, built from the configured class. Members
	// is only consulted when cfg.Detector.Class is "weighted".
	members := make([]detector.WeightedMember, len(cfg.Detector.Members))
	for i, m := range cfg.Detector.Members {
		members[i] = detector.WeightedMember{Class: m.Class, Weight: m.Weight, Threshold: m.Threshold}
	}
	checker, err := detector.Build(cfg.Detector.Class, db.Handle(), cfg.Detector.Config.Threshold, log, metrics, members)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: detector: %v\n", err)
		os.Exit(1)
	}

	// C3: detection cache.
	detCache := cache.New(cfg.Cache.Disable)

	// C6: quarantine store, if enabled.
	var qStore *quarantine.Store
	if cfg.Quarantine.Enabled {
		qStore, err = quarantine.New(cfg.Quarantine.Path, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: quarantine: %v\n", err)
			os.Exit(1)
		}
	}

	// Supplemental audit ledger (SPEC_FULL.md, not part of spec.md's
	// core); a failure here is logged, not fatal — it must never block
	// the on-access decision path.
	auditLedger, err := ledger.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays, metrics)
	if err != nil {
		log.Error("audit ledger open failed, continuing without it", zap.Error(err))
		auditLedger = nil
	}
	if auditLedger != nil {
		defer auditLedger.Close() //nolint:errcheck
		if deleted, err := auditLedger.PruneOld(); err != nil {
			log.Warn("ledger prune failed", zap.Error(err))
		} else {
			log.Info("ledger pruned", zap.Int("deleted", deleted))
		}
		go auditLedger.RunRetention(ctx.Done(), func(deleted int, err error) {
			if err != nil {
				log.Warn("ledger retention sweep failed", zap.Error(err))
			} else if deleted > 0 {
				log.Info("ledger retention sweep", zap.Int("deleted", deleted))
			}
		})
	}

	// C1: fanotify channel. Init/mark failure is fatal per spec.md §7.
	mon, err := fanotify.New(cfg.Monitor.Flags, log, metrics)
	if err != nil {
		var initErr *fanotify.InitError
		if asInitError(err, &initErr) && initErr.NotImplemented {
			fmt.Fprintln(os.Stderr, "FATAL: kernel lacks fanotify support (CONFIG_FANOTIFY); rebuild with fanotify enabled")
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: fanotify init: %v\n", err)
		}
		os.Exit(1)
	}
	defer mon.Close() //nolint:errcheck

	for _, mp := range cfg.Monitor.Paths {
		if err := mon.Mark(mp); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: fanotify mark %q: %v\n", mp.Path, err)
			os.Exit(1)
		}
	}

	// C7 startup conflict check (spec.md §4.7, §8 scenario 6).
	if err := operator.CheckNotRunning(cfg.Operator.SocketName); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	// C8: database file watcher, driving C5's reload protocol.
	go func() {
		if err := dbwatcher.Watch(ctx, cfg.Database.DatabaseFile, db, log); err != nil {
			log.Error("database watcher stopped", zap.Error(err))
		}
	}()

	// C2: decision worker, fed by C1's event channel and C7's request
	// channel.
	w := worker.New(mon, mon.SelfPID(), detCache, checker, qStore, auditLedger, log, metrics)

	events, err := mon.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: fanotify run: %v\n", err)
		os.Exit(1)
	}

	requests := make(chan worker.Request)
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- w.Run(events, requests)
	}()

	srv := operator.NewServer(cfg.Operator.SocketName, operator.ChanDispatcher(requests), log, metrics)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error("control socket stopped", zap.Error(err))
			fmt.Fprintf(os.Stderr, "FATAL: control socket: %v\n", err)
			os.Exit(1)
		}
	}()

	log.Info("SIMBIOTA ready",
		zap.String("database", cfg.Database.DatabaseFile),
		zap.Bool("quarantine_enabled", cfg.Quarantine.Enabled),
		zap.String("control_socket", cfg.Operator.SocketName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var workerErr error
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case workerErr = <-workerErrCh:
		// spec.md §5: verdict-write failure is fatal, no recovery path.
		log.Error("decision worker stopped unexpectedly", zap.Error(workerErr))
	}

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-workerErrCh:
		log.Info("decision worker drained")
	}

	log.Info("SIMBIOTA shutdown complete")
	if workerErr != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", workerErr)
		os.Exit(1)
	}
}

func asInitError(err error, target **fanotify.InitError) bool {
	for err != nil {
		if ie, ok := err.(*fanotify.InitError); ok {
			*target = ie
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// buildLogger constructs a zap.Logger from the config's level/format
// keys.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
