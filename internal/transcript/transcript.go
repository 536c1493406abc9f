// Package transcript renders conversations as Markdown with YAML frontmatter
// and parses them back.
package transcript

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
	"gopkg.in/yaml.v3"
)

// Meta is the frontmatter of a transcript.
type Meta struct {
	Title        string    `yaml:"title"`
	Conversation string    `yaml:"conversation,omitempty"`
	CreatedAt    time.Time `yaml:"created_at,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at,omitempty"`
}

// Transcript is a conversation in exportable form.
type Transcript struct {
	Meta     Meta
	Messages []llm.ChatMessage
}

var headings = map[string]string{
	llm.RoleUser:      "## User",
	llm.RoleAssistant: "## Assistant",
}

func roleForHeading(line string) (string, bool) {
	for role, h := range headings {
		if line == h {
			return role, true
		}
	}
	return "", false
}

// Render writes t as Markdown.
func Render(t Transcript) ([]byte, error) {
	fm, err := yaml.Marshal(t.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")

	if t.Meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", t.Meta.Title)
	}

	for _, m := range t.Messages {
		h, ok := headings[m.Role]
		if !ok {
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
		b.WriteString(h)
		b.WriteString("\n\n")
		b.WriteString(escape(m.Content))
		b.WriteString("\n\n")
	}
	return b.Bytes(), nil
}

// Parse reads a transcript written by Render. Text before the first role
// heading is ignored; the title falls back to the first h1.
func Parse(data []byte) (*Transcript, error) {
	t := &Transcript{}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	// Parse frontmatter if present
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx < 0 {
			return nil, fmt.Errorf("unterminated frontmatter")
		}
		if err := yaml.Unmarshal([]byte(content[4:4+endIdx]), &t.Meta); err != nil {
			return nil, fmt.Errorf("decode frontmatter: %w", err)
		}
		content = strings.TrimPrefix(content[4+endIdx+4:], "\n")
	}

	var current *llm.ChatMessage
	var body []string
	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(strings.Join(body, "\n"))
			t.Messages = append(t.Messages, *current)
		}
		body = body[:0]
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if role, ok := roleForHeading(line); ok {
			flush()
			current = &llm.ChatMessage{Role: role}
			continue
		}
		if current == nil {
			if t.Meta.Title == "" && strings.HasPrefix(line, "# ") {
				t.Meta.Title = strings.TrimSpace(line[2:])
			}
			continue
		}
		body = append(body, unescape(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	flush()

	if len(t.Messages) == 0 {
		return nil, fmt.Errorf("transcript has no messages")
	}
	return t, nil
}

// escape protects message lines that would read as role headings.
func escape(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if _, ok := roleForHeading(strings.TrimLeft(l, `\`)); ok {
			lines[i] = `\` + l
		}
	}
	return strings.Join(lines, "\n")
}

func unescape(line string) string {
	if strings.HasPrefix(line, `\`) {
		if _, ok := roleForHeading(strings.TrimLeft(line, `\`)); ok {
			return line[1:]
		}
	}
	return line
}
