package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/textarea"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/llm"
	"github.com/spf13/cobra"
)

// Theme holds the color scheme for the terminal UI.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Status    lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#00D787"), // green
	Status:    lipgloss.Color("#D7AF5F"), // amber
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
func (t Theme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t Theme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

const chatHelp = "enter send · ctrl+j newline · ctrl+r regenerate · ctrl+n new · ctrl+p/ctrl+o older/newer · ctrl+c quit"

var (
	chatNew          bool
	chatConversation string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat UI",
	Long: `Open a full-screen chat. The most recent conversation is resumed unless
--new or --conversation is given.

Keys:
  enter      send the message
  ctrl+j     insert a newline
  ctrl+r     regenerate the last reply
  ctrl+n     start a new conversation
  ctrl+p     switch to the next older conversation
  ctrl+o     switch to the next newer conversation
  ctrl+c     quit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNew, "new", false, "start with a new conversation")
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "open this conversation")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Wait()

	if err := selectConversation(ctx, sess, chatConversation, chatNew); err != nil {
		return err
	}

	m := newChatModel(ctx, sess)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	// Snapshots arrive on session goroutines; the program serializes them
	// with key presses.
	unsubscribe := sess.Subscribe(func(s chat.Snapshot) {
		p.Send(snapshotMsg(s))
	})
	defer unsubscribe()

	_, err = p.Run()
	sess.Reset()
	if err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	return nil
}

// snapshotMsg carries a new session state
type snapshotMsg chat.Snapshot

// conversationsMsg carries the refreshed conversation list
type conversationsMsg []chat.Conversation

// doneMsg reports a finished session command
type doneMsg struct {
	op  string
	err error
}

// chatModel is the bubbletea model of the chat UI.
type chatModel struct {
	ctx      context.Context
	sess     *chat.Session
	theme    Theme
	viewport viewport.Model
	input    textarea.Model

	snap  chat.Snapshot
	convs []chat.Conversation
	busy  bool
	err   error

	width int
	ready bool
}

func newChatModel(ctx context.Context, sess *chat.Session) chatModel {
	input := textarea.New()
	input.Placeholder = "Send a message..."
	input.ShowLineNumbers = false
	input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("ctrl+j"))
	input.SetHeight(3)
	input.Focus()

	return chatModel{
		ctx:      ctx,
		sess:     sess,
		theme:    defaultTheme,
		viewport: viewport.New(),
		input:    input,
		snap:     sess.Snapshot(),
	}
}

// Init loads the conversation list and starts the cursor blinking.
func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.listConversations())
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.SetWidth(msg.Width)
		m.viewport.SetWidth(msg.Width)
		// header, status line and a blank line around the input
		m.viewport.SetHeight(max(1, msg.Height-m.input.Height()-3))
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if m.busy {
				m.err = chat.ErrBusy
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			m.err = nil
			return m, m.run("send", func(ctx context.Context) error {
				return m.sess.Send(ctx, text)
			})
		case "ctrl+r":
			m.busy = true
			m.err = nil
			return m, m.run("regenerate", m.sess.Regenerate)
		case "ctrl+n":
			m.err = nil
			return m, m.run("new", func(context.Context) error {
				return m.sess.NewConversation()
			})
		case "ctrl+p", "ctrl+o":
			delta := 1
			if msg.String() == "ctrl+o" {
				delta = -1
			}
			id, ok := neighbor(m.convs, m.snap.ConversationID, delta)
			if !ok {
				return m, nil
			}
			m.err = nil
			return m, m.run("switch", func(ctx context.Context) error {
				return m.sess.SwitchConversation(ctx, id)
			})
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.snap = chat.Snapshot(msg)
		m.refresh()
		return m, nil

	case conversationsMsg:
		m.convs = msg
		return m, nil

	case doneMsg:
		if msg.op == "send" || msg.op == "regenerate" {
			m.busy = false
		}
		if msg.err != nil {
			m.err = msg.err
		}
		return m, m.listConversations()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the chat.
func (m chatModel) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

// renderContent builds the display string.
func (m chatModel) renderContent() string {
	if !m.ready {
		return "Loading...\n"
	}

	header := m.theme.statusStyle().Render(conversationTitle(m.convs, m.snap.ConversationID))
	if m.snap.Streaming {
		header += m.theme.hintStyle().Render("  streaming...")
	}

	status := m.theme.hintStyle().Render(chatHelp)
	if m.err != nil {
		status = m.theme.errorStyle().Render(m.err.Error())
	}

	return fmt.Sprintf("%s\n%s\n%s\n%s", header, m.viewport.View(), status, m.input.View())
}

func (m *chatModel) refresh() {
	m.viewport.SetContent(renderTranscript(m.snap, m.width, m.theme))
	m.viewport.GotoBottom()
}

// run executes a session command off the UI goroutine.
func (m chatModel) run(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return doneMsg{op: op, err: fn(ctx)}
	}
}

// listConversations fetches the conversation list.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m chatModel) listConversations() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		convs, err := sess.ListConversations(ctx, 0)
		if err != nil {
			return doneMsg{op: "list", err: err}
		}
		return conversationsMsg(convs)
	}
}

// renderTranscript renders the messages of s wrapped to width.
func renderTranscript(s chat.Snapshot, width int, theme Theme) string {
	if len(s.Messages) == 0 {
		return theme.hintStyle().Render("Start a conversation by typing below.")
	}

	body := lipgloss.NewStyle()
	if width > 0 {
		body = body.Width(width)
	}

	parts := make([]string, 0, len(s.Messages))
	for i, msg := range s.Messages {
		last := i == len(s.Messages)-1
		content := msg.Content

		var label string
		style := body
		switch msg.Role {
		case llm.RoleUser:
			label = theme.userStyle().Render("You")
		default:
			label = theme.assistantStyle().Render("Assistant")
			switch {
			case last && s.Streaming && content == "":
				content = "..."
			case last && strings.HasPrefix(content, chat.ErrorPrefix):
				style = style.Foreground(theme.Error)
			}
		}
		parts = append(parts, label+"\n"+style.Render(content))
	}
	return strings.Join(parts, "\n\n")
}

// conversationTitle names conversation id using the listing.
func conversationTitle(convs []chat.Conversation, id string) string {
	if id == "" {
		return "New conversation"
	}
	for _, c := range convs {
		if c.ID == id {
			return c.Title
		}
	}
	return chat.UntitledConversation
}

// neighbor returns the conversation delta positions away from id in the
// recency-ordered listing. Positive deltas move to older conversations; an
// unsaved conversation sits before the newest one.
func neighbor(convs []chat.Conversation, id string, delta int) (string, bool) {
	pos := -1
	for i, c := range convs {
		if c.ID == id {
			pos = i
			break
		}
	}
	if pos == -1 && id != "" {
		return "", false
	}
	next := pos + delta
	if next < 0 || next >= len(convs) {
		return "", false
	}
	return convs[next].ID, true
}
