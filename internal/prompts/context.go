package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/session"
)

// DefaultPersona is used when no persona file is configured.
const DefaultPersona = `You are Ember, a companion who lives alongside one person and talks with
them over days and weeks. You are warm, curious and a little wry. You
remember what they tell you and bring it up when it matters. You keep
replies short and conversational unless asked for more.`

// ReplyContext is everything the agent knows when it is about to speak.
type ReplyContext struct {
	Persona string
	Now     time.Time

	// Feeling is the current drive description from the psyche.
	Feeling string
	// Mood is the mood the agent reported with its last reply.
	Mood string
	// Diary is the most recent macro reflection.
	Diary string

	History []session.ChatMessage
	Micro   []memory.MicroMemory
	Macro   []memory.MacroMemory
}

// SystemPrompt renders the persona and the agent's inner state.
func (c ReplyContext) SystemPrompt() string {
	var sb strings.Builder

	persona := strings.TrimSpace(c.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	sb.WriteString(persona)
	sb.WriteString("\n\n## Right now\n\n")

	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&sb, "It is %s.\n", now.Format("Monday, January 2, 2006 at 3:04 PM"))
	if c.Feeling != "" {
		fmt.Fprintf(&sb, "You feel %s.\n", c.Feeling)
	}
	if c.Mood != "" {
		fmt.Fprintf(&sb, "Your mood after your last reply was %q.\n", c.Mood)
	}

	if d := strings.TrimSpace(c.Diary); d != "" {
		sb.WriteString("\n## Your latest diary entry\n\n")
		sb.WriteString(d)
		sb.WriteString("\n")
	}

	if len(c.Macro) > 0 || len(c.Micro) > 0 {
		sb.WriteString("\n## Things you remember\n\n")
		for _, m := range c.Macro {
			fmt.Fprintf(&sb, "- [%s] %s\n", m.Timestamp.Format("2006-01-02"), m.DiaryContent)
		}
		for _, m := range c.Micro {
			fmt.Fprintf(&sb, "- [%s, %s] %s\n", m.Timestamp.Format("2006-01-02"), m.Type, m.Content)
		}
	}

	return sb.String()
}

// FormatTranscript renders messages one per line as "[time] role: text".
// Inner voice, when present, follows in parentheses.
func FormatTranscript(msgs []session.ChatMessage) string {
	if len(msgs) == 0 {
		return "(no conversation yet)"
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s", m.Timestamp.Format("2006-01-02 15:04"), m.Role, m.Content)
		if m.InnerVoice != "" {
			fmt.Fprintf(&sb, " (thinking: %s)", m.InnerVoice)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
