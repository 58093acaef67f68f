package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/search"
	"github.com/treykane/omega/internal/store"
)

// BuildPrompt assembles the conversation prompt: learnings, search results,
// recent history, then the new message.
func BuildPrompt(text string, history []store.Message, learnings []store.Learning, results []search.Result) string {
	var b strings.Builder
	if len(learnings) > 0 {
		b.WriteString("Corrections from earlier conversations:\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s\n", l.Summary)
		}
		b.WriteByte('\n')
	}
	if s := search.Format(results); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case store.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
		}
	}
	fmt.Fprintf(&b, "User: %s\nAssistant:", text)
	return b.String()
}

// FormatResult renders a command result for chat display.
func FormatResult(description string, res model.CommandResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n$ %s\n", description, res.Command)
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		b.WriteString(out)
		b.WriteByte('\n')
	}
	if errOut := strings.TrimRight(res.Stderr, "\n"); errOut != "" {
		b.WriteString(errOut)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "[exit %d, %s]", res.ExitCode, res.Duration.Round(time.Millisecond))
	return b.String()
}
