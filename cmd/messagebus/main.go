// Package main provides the message bus binary: a TCP frame acceptor that
// decodes messages and dispatches them to per-session handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/config"
	"github.com/cat-in-the-dark/MessageBus/internal/diagnostics"
	"github.com/cat-in-the-dark/MessageBus/internal/dispatch"
	"github.com/cat-in-the-dark/MessageBus/internal/gateway"
	"github.com/cat-in-the-dark/MessageBus/internal/handlers"
	"github.com/cat-in-the-dark/MessageBus/internal/health"
	"github.com/cat-in-the-dark/MessageBus/internal/observability"
	"github.com/cat-in-the-dark/MessageBus/internal/scripting"
	"github.com/cat-in-the-dark/MessageBus/internal/server"
	"github.com/cat-in-the-dark/MessageBus/internal/session"
	"github.com/cat-in-the-dark/MessageBus/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and MSGBUS_* environment only")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	stopTimeout := flag.Duration("stop-timeout", 10*time.Second, "per-service shutdown timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			log.Fatalf("dumping config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	logger, err := observability.NewLogger(cfg.Logging, "messagebus")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() {
		if err := observability.Sync(logger); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logger: %v\n", err)
		}
	}()

	logger.Info("starting message bus",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Scripts; an empty dir disables the string handler.
	var scriptMgr *scripting.Manager
	if cfg.Scripting.Dir != "" {
		scriptStart := time.Now()
		scriptMgr, err = scripting.NewManager(cfg.Scripting.Dir, cfg.Scripting.InstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading scripts", zap.Error(err))
		}
		logger.Info("scripts loaded",
			zap.String("dir", cfg.Scripting.Dir),
			zap.Strings("scripts", scriptMgr.Scripts()),
			zap.Duration("elapsed", time.Since(scriptStart)),
		)
	}

	registry, err := handlers.NewRegistry(logger, scriptMgr)
	if err != nil {
		logger.Fatal("building handler registry", zap.Error(err))
	}
	logger.Info("handler registry built",
		zap.Int("handlers", registry.Len()),
		zap.Stringers("types", registry.Types()),
	)

	tracker := diagnostics.NewTracker(cfg.Diagnostics.Window, cfg.Diagnostics.CleanupInterval)
	dispatcher := dispatch.NewDispatcher(registry, tracker, logger)
	logger.Info("unhandled message tracking enabled",
		zap.Duration("window", tracker.Window()),
	)
	sessions := session.NewManager(logger)

	gw := gateway.NewHandler(gateway.Options{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		OutboxSize: cfg.Transport.OutboxSize,
		Logger:     logger,
	})
	acceptor := transport.NewAcceptor(cfg.Server.Addr(), cfg.Transport, gw, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger, *stopTimeout)
	shuttingDown := make(chan struct{})
	lifecycle.OnShutdown(func() { close(shuttingDown) })
	lifecycle.OnShutdown(func() { tracker.Report(logger) })

	if cfg.Health.Enabled {
		hs := health.NewServer(cfg.Health.Addr(), logger)
		lifecycle.Add("health", hs)
		lifecycle.OnShutdown(func() { hs.SetServing(false) })
		go hs.ServeWhen(acceptor.Ready(), shuttingDown)
	}

	lifecycle.Add("acceptor", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func(ctx context.Context) error {
			acceptor.Stop()
			return sessions.CloseAll(ctx)
		},
	})

	logger.Info("message bus initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = observability.Sync(logger)
		os.Exit(1)
	}
}
