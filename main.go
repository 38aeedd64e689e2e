package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/commands"
	"github.com/nightfall-run/nightfall/internal/config"
	"github.com/nightfall-run/nightfall/internal/hub"
	"github.com/nightfall-run/nightfall/internal/locks"
	"github.com/nightfall-run/nightfall/internal/logging"
	"github.com/nightfall-run/nightfall/internal/memory"
	"github.com/nightfall-run/nightfall/internal/orchestrator"
	"github.com/nightfall-run/nightfall/internal/provider"
	"github.com/nightfall-run/nightfall/internal/snapshot"
	"github.com/nightfall-run/nightfall/internal/tasklog"
)

func main() {
	fs := flag.NewFlagSet("nightfall", flag.ContinueOnError)
	port := fs.Int("port", 0, "WebSocket port to listen on (0 = pick a random free port)")
	projectRoot := fs.String("project-root", ".", "project directory Nightfall operates on")
	configPath := fs.String("config", "", "path to a YAML config file (default: ~/.nightfall/config.yaml)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	root, err := resolveRoot(*projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightfall: resolve project root: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Dir:   root + "/.nightfall/logs",
		Prod:  os.Getenv("NIGHTFALL_ENV") == "prod",
		Level: *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightfall: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lockReg := locks.New(logger)
	defer lockReg.Stop()
	snapMgr := snapshot.New(root)
	logPkg := tasklog.New(root)
	bank := memory.New(root)
	adapter := provider.NewOllamaAdapter(cfg.Provider, cfg.Task.MaxRetries, logger)

	h := hub.New(lockReg, logger)
	orcCfg := orchestrator.FromAppConfig(cfg)
	orc := orchestrator.New(root, orcCfg, lockReg, snapMgr, logPkg, bank, adapter, logger, h.HandleEvent)
	dispatcher := commands.New(logPkg, snapMgr, bank, orc, cfg, resolvedConfigPath(*configPath))
	h.Attach(orc, dispatcher)

	handleGracefulShutdown(cancel, orc, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	listener, boundPort, err := listen(*port)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	// Synchronization line for parent processes per spec §6: exactly one
	// {"type":"ready","port":N} line on stdout once listening begins.
	fmt.Printf(`{"type":"ready","port":%d}`+"\n", boundPort)
	logger.Info("nightfall daemon ready", zap.Int("port", boundPort), zap.String("projectRoot", root))

	h.BroadcastLifecycle(hub.LifecycleState{State: "ready"})

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		logger.Fatal("serve", zap.Error(err))
	}
}

// handleGracefulShutdown honors spec §6's SIGINT/SIGTERM contract: before
// the listener's context is cancelled (which triggers httpServer.Shutdown in
// main), any active task is interrupted so its agents stop, release their
// locks, and flush a "cancelled" entry to the task log.
func handleGracefulShutdown(cancel context.CancelFunc, orc *orchestrator.Orchestrator, logger *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutdown signal received", zap.String("signal", s.String()))
		if task := orc.CurrentTask(); task != nil {
			if err := orc.Interrupt(task.ID); err != nil {
				logger.Warn("interrupt active task on shutdown", zap.String("taskId", task.ID), zap.Error(err))
			}
			// Give the task goroutine a bounded window to finalize and
			// persist its cancelled entry before the process exits.
			deadline := time.Now().Add(5 * time.Second)
			for orc.CurrentTask() != nil && time.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
			}
		}
		cancel()
	}()
}

func resolveRoot(path string) (string, error) {
	abs, err := absPath(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func resolvedConfigPath(path string) string {
	if path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.nightfall/config.yaml"
}
