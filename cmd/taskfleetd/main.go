package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskfleet/internal/api"
	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/internal/inventory"
	"taskfleet/internal/logging"
	taskfleetmcp "taskfleet/internal/mcp"
	"taskfleet/internal/notify"
	"taskfleet/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol when serving stdio.
	var logOut io.Writer = os.Stdout
	if cfg.ServesStdio() {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.LogLevel, logOut)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskfleetd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	location := time.Local
	if cfg.Scheduler.UseUTC {
		location = time.UTC
	}

	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Inventory.Path != "" {
		file, err := inventory.Load(cfg.Inventory.Path)
		if err != nil {
			return err
		}
		summary, err := inventory.Sync(ctx, st, file)
		if err != nil {
			return err
		}
		logger.Info("inventory synced", "path", cfg.Inventory.Path,
			"devices", summary.Devices, "groups", summary.Groups, "scripts", summary.Scripts, "pruned", summary.Pruned)
		if cfg.Inventory.Watch {
			watcher := inventory.NewWatcher(cfg.Inventory.Path, st, logger, file)
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("inventory watcher stopped", "err", err)
				}
			}()
		}
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	jobs := core.NewJobScheduler(logger, location)
	executor := core.NewCommandExecutor(logger, cfg.Scheduler.ScriptTimeout)
	engine := core.NewEngine(st, jobs, executor, st, logger, core.Options{
		Location:    location,
		RunNowGrace: cfg.Scheduler.RunNowGrace,
		Notifier:    notifier,
	})
	engine.Start(ctx)
	if err := engine.Restore(ctx); err != nil {
		logger.Error("restore jobs", "err", err)
	}
	jobs.Start()

	mcpServer := taskfleetmcp.NewMCPServer(st, engine, logger)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.ServesHTTP() {
		server = api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Store:     st,
			Engine:    engine,
			Jobs:      jobs,
			MCP:       mcpServer.HTTPHandler(),
			Logger:    logger,
		})
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	stdioDone := make(chan error, 1)
	if cfg.ServesStdio() {
		go func() {
			stdioDone <- mcpServer.ServeStdio()
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-stdioDone:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		} else {
			logger.Info("mcp stdio closed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := jobs.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}

	runsDone := make(chan struct{})
	go func() {
		engine.Wait()
		close(runsDone)
	}()
	select {
	case <-runsDone:
	case <-shutdownCtx.Done():
		logger.Warn("manual runs still in flight at shutdown")
	}
	// Runs still going past the grace period are killed here.
	cancel()

	logger.Info("shutdown complete")
	return nil
}

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	if !cfg.Notification.Bark.Enabled {
		return &notify.NoOpNotifier{}, nil
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		return nil, err
	}
	return notify.NewMultiNotifier(bark), nil
}
