package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/models"
	"github.com/raphaelgruber/openchat/internal/transcript"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Print a conversation as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var exportCmd = &cobra.Command{
	Use:   "export <conversation> [path]",
	Short: "Export a conversation to a Markdown file",
	Long: `Export a conversation to a Markdown transcript with YAML frontmatter.
The transcript can be read back with "openchat import".

Without a path the file is named after the conversation title. A directory
path places that file inside the directory.

Examples:
  openchat export 0f8c2a1e-...
  openchat export 0f8c2a1e-... ./backup/
  openchat export 0f8c2a1e-... trip.md`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import a Markdown transcript as a new conversation",
	Long: `Import a Markdown transcript (as written by "openchat export") into a
new conversation. Without a title in the frontmatter or an h1 heading, a title
is generated like for a new chat.

Examples:
  openchat import trip-planning.md`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runShow(cmd *cobra.Command, args []string) error {
	data, _, err := renderConversation(context.Background(), args[0])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runExport(cmd *cobra.Command, args []string) error {
	data, t, err := renderConversation(context.Background(), args[0])
	if err != nil {
		return err
	}

	var target string
	if len(args) == 2 {
		target = args[1]
	}
	path := exportPath(target, t.Meta.Title, t.Meta.Conversation)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", len(t.Messages), path)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	t, err := transcript.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	p, err := getProvider(ctx)
	if err != nil {
		return err
	}
	sync := chat.NewSynchronizer(store(), p, cfg.TitleModel, logger)
	id, err := sync.Import(ctx, t.Meta.Title, t.Messages)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages as %s\n", len(t.Messages), id)
	return nil
}

// renderConversation loads a stored conversation as a Markdown transcript.
func renderConversation(ctx context.Context, id string) ([]byte, *transcript.Transcript, error) {
	s := store()
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := s.GetMessages(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get messages: %w", err)
	}

	t := &transcript.Transcript{
		Meta: transcript.Meta{
			Title:        conv.Title,
			Conversation: conv.ID,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		},
		Messages: msgs,
	}
	data, err := transcript.Render(*t)
	if err != nil {
		return nil, nil, fmt.Errorf("render transcript: %w", err)
	}
	return data, t, nil
}

// exportPath picks the output file. An empty target or a directory gets a
// file named after the title.
func exportPath(target, title, id string) string {
	name := models.Slugify(title)
	if name == "" {
		name = models.Slugify(id)
	}
	name += ".md"

	if target == "" {
		return name
	}
	if info, err := os.Stat(target); (err == nil && info.IsDir()) || os.IsPathSeparator(target[len(target)-1]) {
		return filepath.Join(target, name)
	}
	return target
}
