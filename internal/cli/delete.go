package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	deleteForce bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation",
	Long: `Delete a conversation together with all of its messages.
Requires confirmation unless --force is used.

Examples:
  openchat delete 0f8c2a1e-...
  openchat delete 0f8c2a1e-... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := context.Background()

	// Confirm deletion
	if !deleteForce {
		label := id
		if remote == nil {
			conv, err := store().GetConversation(ctx, id)
			if err != nil {
				return fmt.Errorf("get conversation: %w", err)
			}
			label = fmt.Sprintf("%s (%s)", conv.Title, id)
		}
		fmt.Printf("About to delete: %s\n", label)
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	var err error
	if remote != nil {
		err = remote.DeleteConversation(ctx, id)
	} else {
		err = store().DeleteConversation(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	fmt.Printf("Deleted: %s\n", id)
	return nil
}
