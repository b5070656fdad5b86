package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd, healthCmd)
	queueCmd.AddCommand(queueStatusCmd, queueDrainCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the retry queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retry queue depth and local fallback backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		t, err := openTiers(cfg)
		if err != nil {
			return err
		}
		defer t.Close()

		depth, err := t.queue.Len(context.Background())
		if err != nil {
			return fmt.Errorf("read queue depth: %w", err)
		}
		local, err := t.fallback.List()
		if err != nil {
			return fmt.Errorf("list local fallback: %w", err)
		}
		fmt.Printf("queue depth:       %d (max %d)\n", depth, cfg.Queue.MaxLen)
		fmt.Printf("fallback backlog:  %d\n", len(local))
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued snapshots into the durable tier now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		t, err := openTiers(cfg)
		if err != nil {
			return err
		}
		defer t.Close()

		n, err := newWorker(cfg, t).Drain(context.Background())
		fmt.Printf("Replayed %d snapshot(s).\n", n)
		return err
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every storage tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		t, err := openTiers(cfg)
		if err != nil {
			return err
		}
		defer t.Close()

		store, err := newStore(cfg, t)
		if err != nil {
			return err
		}
		defer store.Close()

		d := store.Diagnostics(context.Background())
		fmt.Printf("cache:     %s\n", tierLine(d.Cache.Reachable, d.Cache.Error))
		fmt.Printf("durable:   %s\n", tierLine(d.Durable.Reachable, d.Durable.Error))
		if d.QueueError != "" {
			fmt.Printf("queue:     unreachable (%s)\n", d.QueueError)
		} else {
			fmt.Printf("queue:     %d queued, %d dropped\n", d.QueueDepth, d.QueueDropped)
		}
		fmt.Printf("fallback:  %d local snapshot(s)\n", d.FallbackSnapshots)

		if !d.Healthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func tierLine(ok bool, errText string) string {
	if ok {
		return "ok"
	}
	return "unreachable (" + errText + ")"
}
