package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Long: `List your conversations ordered by last activity.

Examples:
  openchat list
  openchat list -n 5
  openchat list --server http://localhost:8484`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "max results (0 for all)")
}

// conversationRow is what a listing shows of a conversation.
type conversationRow struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var rows []conversationRow
	if remote != nil {
		convs, err := remote.ListConversations(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range convs {
			rows = append(rows, conversationRow{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt})
		}
	} else {
		convs, err := store().ListConversations(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range convs {
			rows = append(rows, conversationRow{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt})
		}
	}

	printConversations(cmd.OutOrStdout(), rows, time.Now())
	return nil
}

func printConversations(w io.Writer, rows []conversationRow, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}

	fmt.Fprintf(w, "Conversations (%d):\n\n", len(rows))
	for _, r := range rows {
		fmt.Fprintf(w, "- %s (%s)\n", r.Title, ago(now.Sub(r.UpdatedAt)))
		if verbose {
			fmt.Fprintf(w, "  %s\n", r.ID)
		}
	}
}

// ago renders a duration as a coarse relative time.
func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
