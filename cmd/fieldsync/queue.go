package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/internal/types"
)

var (
	queueDBOverride string
	queueJSONOutput bool
	queueListStatus string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the local mutation queue",
	Long:  "Inspect queued mutations and queue health without running the agent.",
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueDBOverride, "db", "",
		"Database path (overrides config and FIELDSYNC_DB_PATH)")
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false,
		"Output in JSON format")

	queueListCmd.Flags().StringVar(&queueListStatus, "status", "pending",
		"Filter by status (pending, completed, failed)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50,
		"Maximum number of items to show")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)

	rootCmd.AddCommand(queueCmd)
}

// resolveQueueStore opens the local store from config with optional --db override.
func resolveQueueStore() (*store.Store, error) {
	dbPath := queueDBOverride
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.Database.Path
	}
	return store.Open(dbPath)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth per status",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := resolveQueueStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	out := cmd.OutOrStdout()

	if queueJSONOutput {
		return printJSON(out, stats)
	}

	fmt.Fprintf(out, "Pending:   %d\n", stats.Pending)
	fmt.Fprintf(out, "Completed: %d\n", stats.Completed)
	fmt.Fprintf(out, "Failed:    %d\n", stats.Failed)
	if stats.OldestPendingAge != nil {
		age := time.Duration(*stats.OldestPendingAge * float64(time.Second))
		fmt.Fprintf(out, "Oldest pending: %s\n", age.Round(time.Second))
	}

	return nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	status := types.QueueStatus(queueListStatus)
	switch status {
	case types.QueuePending, types.QueueCompleted, types.QueueFailed:
	default:
		return fmt.Errorf("unknown status %q", queueListStatus)
	}

	db, err := resolveQueueStore()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListQueueItems(ctx, status, queueListLimit)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	out := cmd.OutOrStdout()

	if queueJSONOutput {
		return printJSON(out, map[string]any{
			"items": items,
			"total": len(items),
		})
	}

	if len(items) == 0 {
		fmt.Fprintln(out, "No queue items found.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tENTITY\tRECORD\tOP\tATTEMPTS\tCREATED")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			item.ID,
			item.EntityType,
			item.RecordID,
			item.Operation,
			item.Attempts,
			item.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	return nil
}
