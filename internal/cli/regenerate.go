package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate [conversation]",
	Short: "Replace the last reply of a conversation",
	Long: `Stream a new reply for the last message of a conversation and replace
the previous reply with it. Without an argument the most recent conversation
is used. If the new reply fails the previous one is kept.

Examples:
  openchat regenerate
  openchat regenerate 0f8c2a1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegenerate,
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	var id string
	if len(args) == 1 {
		id = args[0]
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	var err error
	if remote != nil {
		id, err = remote.Regenerate(ctx, id, func(token string) error {
			_, err := io.WriteString(out, token)
			return err
		})
	} else {
		id, err = regenerateLocal(ctx, id, out)
	}
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	printFooter(cmd.ErrOrStderr(), id)
	return nil
}

func regenerateLocal(ctx context.Context, id string, out io.Writer) (string, error) {
	sess, err := newSession(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Wait()

	if err := selectConversation(ctx, sess, id, false); err != nil {
		return "", err
	}

	w := &replyWriter{w: out}
	unsubscribe := sess.Subscribe(w.update)
	defer unsubscribe()

	if err := sess.Regenerate(ctx); err != nil {
		return "", err
	}
	snap := sess.Snapshot()
	return snap.ConversationID, w.finish(snap)
}
