package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/continuity/internal/api"
	ctxengine "github.com/user/continuity/internal/context"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the continuity daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "continuity.pid")
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := pidFilePath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	t, err := openTiers(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	store, err := newStore(cfg, t)
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !store.HealthCheck(ctx) {
		slog.Warn("starting degraded: a storage tier is unreachable")
	}

	worker := newWorker(cfg, t)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start recovery worker: %w", err)
	}
	defer worker.Stop()

	slog.Info("continuity started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"redis", cfg.Redis.Addr,
		"durable", cfg.DurablePath(),
		"recovery_interval", cfg.Recovery.Interval.D(),
		"pid_file", pidPath,
	)

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		var fitter api.Fitter
		engine, err := ctxengine.New(cfg.Context.Model, cfg.Context.MaxTokens)
		if err != nil {
			slog.Warn("token budgeting disabled", "error", err)
		} else {
			fitter = engine
		}

		httpServer = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.NewServer(store, fitter),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	shutdown := func() {
		if httpServer != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := httpServer.Shutdown(sctx); err != nil {
				slog.Warn("http shutdown", "error", err)
			}
		}
		if !store.WaitIdle(10 * time.Second) {
			slog.Warn("durable writes still pending at shutdown")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			shutdown()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				return err
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		shutdown()
		return nil
	}
}
