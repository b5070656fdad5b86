package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/user/continuity/internal/cache"
	"github.com/user/continuity/internal/config"
	"github.com/user/continuity/internal/detect"
	"github.com/user/continuity/internal/queue"
	"github.com/user/continuity/internal/recovery"
	"github.com/user/continuity/internal/session"
	"github.com/user/continuity/internal/state"
	"github.com/user/continuity/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "continuity",
	Short:         "Session continuity service for long-running conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".continuity", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads .env, then the config file, exiting on failure.
func loadConfig() *config.Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// tiers holds the concrete storage backends built from config.
type tiers struct {
	redis    *redis.Client
	cache    *cache.Cache
	queue    *queue.Queue
	durable  *state.Durable
	fallback *state.FallbackStore
}

func openTiers(cfg *config.Config) (*tiers, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	durable, err := state.OpenDurable(cfg.DurablePath())
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &tiers{
		redis:    client,
		cache:    cache.New(client, cfg.Redis.KeyPrefix, cfg.Cache.TTL.D()),
		queue:    queue.New(client, cfg.Queue.Key, cfg.Queue.MaxLen),
		durable:  durable,
		fallback: state.NewFallbackStore(cfg.FallbackDir()),
	}, nil
}

func (t *tiers) Close() {
	if err := t.redis.Close(); err != nil {
		slog.Warn("close redis client", "error", err)
	}
	if err := t.durable.Close(); err != nil {
		slog.Warn("close durable store", "error", err)
	}
}

func newStore(cfg *config.Config, t *tiers) (*session.Store, error) {
	instance := types.InstanceID(cfg.InstanceID)
	patterns := detect.PatternDetector{
		SpeedWordThreshold: cfg.Detect.SpeedWordThreshold,
		SpeedWindow:        cfg.Detect.SpeedWindow.D(),
	}
	retry := recovery.DefaultRetryPolicy()
	if cfg.Writes.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Writes.RetryAttempts
	}
	if cfg.Writes.RetryDelay > 0 {
		retry.InitialDelay = cfg.Writes.RetryDelay.D()
	}

	return session.New(session.Options{
		Cache:               t.cache,
		Durable:             t.durable,
		Queue:               t.queue,
		Fallback:            t.fallback,
		InstanceID:          instance,
		CacheTimeout:        cfg.Cache.ReadTimeout.D(),
		WriteTimeout:        cfg.Durable.WriteTimeout.D(),
		MaxConcurrentWrites: int64(cfg.Writes.MaxConcurrent),
		LaneBuffer:          cfg.Writes.LaneBuffer,
		Retry:               retry,
		Patterns:            &patterns,
	})
}

func newWorker(cfg *config.Config, t *tiers) *recovery.Worker {
	w := recovery.NewWorker(t.queue, t.durable, t.fallback, cfg.Recovery.Interval.D())
	w.SetWriteTimeout(cfg.Durable.WriteTimeout.D())
	return w
}

// shortTime formats timestamps for table output.
func shortTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}
