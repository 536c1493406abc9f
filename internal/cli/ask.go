package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/client"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	askNew          bool
	askConversation string
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a message and stream the reply to stdout",
	Long: `Send a message and stream the assistant's reply to stdout.

By default the message continues your most recent conversation. Use --new to
start a fresh one or --conversation to pick one. With "-" as message, or no
message while stdin is piped, the message is read from stdin.

Examples:
  openchat ask "What is a goroutine?"
  openchat ask --new "Plan a weekend in Lisbon"
  git diff | openchat ask --new -
  openchat ask --server http://localhost:8484 "hello"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askNew, "new", false, "start a new conversation")
	askCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "continue this conversation")
}

func runAsk(cmd *cobra.Command, args []string) error {
	text, err := messageText(args, os.Stdin)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	var id string
	if remote != nil {
		id, err = remote.Ask(ctx, text, client.AskOptions{ConversationID: askConversation, New: askNew}, func(token string) error {
			_, err := io.WriteString(out, token)
			return err
		})
	} else {
		id, err = askLocal(ctx, text, out)
	}
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	printFooter(cmd.ErrOrStderr(), id)
	return nil
}

func askLocal(ctx context.Context, text string, out io.Writer) (string, error) {
	sess, err := newSession(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Wait()

	if err := selectConversation(ctx, sess, askConversation, askNew); err != nil {
		return "", err
	}

	w := &replyWriter{w: out}
	unsubscribe := sess.Subscribe(w.update)
	defer unsubscribe()

	if err := sess.Send(ctx, text); err != nil {
		return "", err
	}
	snap := sess.Snapshot()
	return snap.ConversationID, w.finish(snap)
}

// selectConversation points sess at id, a new conversation, or the most
// recent one.
func selectConversation(ctx context.Context, sess *chat.Session, id string, fresh bool) error {
	switch {
	case id != "":
		return sess.SwitchConversation(ctx, id)
	case fresh:
		return sess.NewConversation()
	default:
		return sess.LoadMostRecent(ctx)
	}
}

// messageText returns the message from args or, for "-" or a piped stdin, from stdin.
func messageText(args []string, stdin *os.File) (string, error) {
	var text string
	switch {
	case len(args) == 1 && args[0] != "-":
		text = args[0]
	case len(args) == 1 || !term.IsTerminal(int(stdin.Fd())):
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return "", chat.ErrEmptyMessage
	}
	return text, nil
}

// replyWriter writes the growth of the streaming reply. Snapshots after
// streaming ended are ignored until finish, since a failed send leaves an
// error marker in the reply slot.
type replyWriter struct {
	w       io.Writer
	printed string
	err     error
}

func (r *replyWriter) update(s chat.Snapshot) {
	if s.Streaming {
		r.write(s)
	}
}

func (r *replyWriter) finish(s chat.Snapshot) error {
	r.write(s)
	return r.err
}

func (r *replyWriter) write(s chat.Snapshot) {
	if r.err != nil || len(s.Messages) == 0 {
		return
	}
	reply := s.Messages[len(s.Messages)-1].Content
	if !strings.HasPrefix(reply, r.printed) || len(reply) == len(r.printed) {
		return
	}
	_, r.err = io.WriteString(r.w, reply[len(r.printed):])
	r.printed = reply
}

// printFooter names the conversation on interactive terminals.
func printFooter(w io.Writer, id string) {
	f, ok := w.(*os.File)
	if id == "" || !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	fmt.Fprintln(w, defaultTheme.hintStyle().Render("conversation "+id))
}
