// Package main provides the entry point for the workspace server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarksoft/workspaced/internal/config"
	"github.com/quarksoft/workspaced/internal/editor"
	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/internal/server"
	"github.com/quarksoft/workspaced/internal/shell"
	"github.com/quarksoft/workspaced/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	httpAddr := flag.String("http-addr", "", "HTTP server address (overrides config)")
	workspaceRoot := flag.String("workspace", "", "Workspace root directory (overrides config)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *workspaceRoot != "" {
		cfg.Workspace.Root = *workspaceRoot
	}

	// The configured root may not exist on a development machine; fall back
	// to the current directory before creating anything.
	if _, err := os.Stat(cfg.Workspace.Root); os.IsNotExist(err) && *workspaceRoot == "" {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			logging.Warn("workspace root missing, falling back to working directory",
				logging.String("configured", cfg.Workspace.Root),
				logging.String("fallback", cwd))
			cfg.Workspace.Root = cwd
		}
	}
	if err := os.MkdirAll(cfg.Workspace.Root, 0755); err != nil {
		logging.Fatal("Failed to create workspace root", logging.Err(err))
	}

	guard, err := workspace.NewGuard(cfg.Workspace.Root, cfg.Workspace.Excluded)
	if err != nil {
		logging.Fatal("Failed to initialize workspace guard", logging.Err(err))
	}

	manager := shell.NewManager(shell.Options{
		Command:        cfg.Shell.Command,
		WorkDir:        guard.Root(),
		DefaultTimeout: cfg.Shell.GetDefaultTimeout(),
		StreamLimit:    cfg.Shell.GetStreamLimit(),
		StderrFilters:  cfg.Shell.StderrFilters,
	})

	srv := server.New(
		server.Config{HTTPAddr: cfg.Server.HTTPAddr},
		manager,
		editor.New(guard),
		guard,
		workspace.NewLister(guard),
	)

	logging.Info("Starting workspace server...",
		logging.String("http_addr", cfg.Server.HTTPAddr),
		logging.String("workspace", guard.Root()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		manager.StopAll()
		return err
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("Server failed", logging.Err(err))
	}
}
