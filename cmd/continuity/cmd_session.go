package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	ctxengine "github.com/user/continuity/internal/context"
	"github.com/user/continuity/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionContextCmd)

	sessionListCmd.Flags().Int("limit", 50, "maximum sessions to list")
	sessionContextCmd.Flags().Int("limit", 20, "number of recent messages")
	sessionContextCmd.Flags().Int("tokens", 0, "token budget (0 disables trimming)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions by last activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		t, err := openTiers(cfg)
		if err != nil {
			return err
		}
		defer t.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := t.durable.List(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMESSAGES\tBREAKTHROUGHS\tTRUST\tLAST ACTIVE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%s\n",
				s.SessionID,
				s.MessageCount,
				s.BreakthroughCount,
				s.TrustScore,
				shortTime(s.LastActive),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session and its breakthrough audit trail as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		t, err := openTiers(cfg)
		if err != nil {
			return err
		}
		defer t.Close()

		ctx := context.Background()
		id := types.SessionID(args[0])
		data, err := t.durable.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("session not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		audit, err := t.durable.Audit(ctx, id)
		if err != nil {
			return fmt.Errorf("read audit trail: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Session *types.SessionData              `json:"session"`
			Audit   []types.BreakthroughAuditRecord `json:"audit"`
		}{data, audit})
	},
}

var sessionContextCmd = &cobra.Command{
	Use:   "context <id>",
	Short: "Print the recent conversation window",
	Args:  cobra.ExactArgs(1),
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

		limit, _ := cmd.Flags().GetInt("limit")
		tokens, _ := cmd.Flags().GetInt("tokens")

		messages, err := store.GetContext(context.Background(), types.SessionID(args[0]), limit)
		if err != nil {
			return err
		}
		if tokens > 0 {
			engine, err := ctxengine.New(cfg.Context.Model, cfg.Context.MaxTokens)
			if err != nil {
				return fmt.Errorf("create context engine: %w", err)
			}
			messages = engine.Fit(messages, tokens)
		}

		for _, m := range messages {
			fmt.Printf("[%s] %s (%s): %s\n", shortTime(m.Timestamp), m.Role, m.Mode, m.Content)
		}
		return nil
	},
}
