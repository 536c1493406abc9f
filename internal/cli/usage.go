package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/raphaelgruber/openchat/internal/client"
	"github.com/raphaelgruber/openchat/internal/metrics"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show usage statistics",
	Long: `Show how much history you keep and the runtime statistics of the
server (with --server) or of this process.

Examples:
  openchat usage
  openchat usage --server http://localhost:8484`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	if remote != nil {
		stats, err := remote.GetServerStats(ctx)
		if err != nil {
			return fmt.Errorf("get server stats: %w", err)
		}
		printServerStats(out, "Server Statistics (in-memory, since restart)", stats)
		return nil
	}

	counts, err := store().Stats(ctx)
	if err != nil {
		return fmt.Errorf("get history stats: %w", err)
	}
	fmt.Fprintf(out, "History of %s\n", cfg.UserID)
	fmt.Fprintf(out, "═══════════════════════════════════════\n")
	fmt.Fprintf(out, "Conversations: %d\n", counts.Conversations)
	fmt.Fprintf(out, "Messages:      %d\n\n", counts.Messages)

	stats, err := statsFromSnapshot(collector.Snapshot())
	if err != nil {
		return err
	}
	printServerStats(out, "Process Statistics", stats)
	return nil
}

// statsFromSnapshot converts local metrics to the shape the server reports.
func statsFromSnapshot(snap metrics.Snapshot) (*client.ServerStats, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	var stats client.ServerStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// printServerStats displays runtime statistics.
func printServerStats(w io.Writer, heading string, stats *client.ServerStats) {
	fmt.Fprintf(w, "%s\n", heading)
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	if stats.LLMStream != nil {
		fmt.Fprintf(w, "\nLLM Stream:\n")
		printOpStats(w, stats.LLMStream)
		printTokenStats(w, stats.LLMStream)
	}

	if stats.LLMComplete != nil {
		fmt.Fprintf(w, "\nLLM Complete (titles):\n")
		printOpStats(w, stats.LLMComplete)
		printTokenStats(w, stats.LLMComplete)
	}

	if stats.StoreWrite != nil {
		fmt.Fprintf(w, "\nStore Write:\n")
		printOpStats(w, stats.StoreWrite)
	}

	if stats.StoreRead != nil {
		fmt.Fprintf(w, "\nStore Read:\n")
		printOpStats(w, stats.StoreRead)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *client.OperationStats) {
	fmt.Fprintf(w, "  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printTokenStats displays token statistics if available.
func printTokenStats(w io.Writer, op *client.OperationStats) {
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Fprintf(w, "  Tokens In:  %d total", *op.TotalInputTokens)
	if op.AvgInputTokens != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgInputTokens)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Tokens Out: %d total", *op.TotalOutputTokens)
	if op.AvgOutputTokens != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgOutputTokens)
	}
	fmt.Fprintln(w)
}
