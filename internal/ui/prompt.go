package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/omega/internal/agent"
)

// maxTranscript bounds the kept prompt history.
const maxTranscript = 40

type replyMsg struct {
	reply agent.Reply
	err   error
}

type transcriptLine struct {
	who    string
	text   string
	failed bool
}

// agentPrompt is the input line, pending spinner and transcript of the
// agent panel. It keeps the session id so follow-up turns share history.
type agentPrompt struct {
	input   textinput.Model
	spin    spinner.Model
	pending bool
	dryRun  bool
	session string
	lines   []transcriptLine
}

func newAgentPrompt() *agentPrompt {
	ti := textinput.New()
	ti.Placeholder = "list files, check disk space, or ask anything"
	ti.CharLimit = 1024
	ti.Width = 60
	ti.Prompt = "> "

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &agentPrompt{input: ti, spin: sp}
}

func (p *agentPrompt) focused() bool { return p.input.Focused() }

func (p *agentPrompt) focus() tea.Cmd {
	p.input.Focus()
	return p.input.Cursor.BlinkCmd()
}

func (p *agentPrompt) blur() { p.input.Blur() }

func (p *agentPrompt) update(msg tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	p.input, cmd = p.input.Update(msg)
	return cmd
}

func (p *agentPrompt) tick(msg spinner.TickMsg) tea.Cmd {
	if !p.pending {
		return nil
	}
	var cmd tea.Cmd
	p.spin, cmd = p.spin.Update(msg)
	return cmd
}

// submit takes the typed text as the next turn. It refuses while a turn is
// in flight or when the input is blank.
func (p *agentPrompt) submit() (agent.Turn, bool) {
	text := strings.TrimSpace(p.input.Value())
	if text == "" || p.pending {
		return agent.Turn{}, false
	}
	p.input.Reset()
	p.pending = true
	p.append(transcriptLine{who: "you", text: text})
	return agent.Turn{SessionID: p.session, Text: text, DryRun: p.dryRun}, true
}

func (p *agentPrompt) finish(msg replyMsg) {
	p.pending = false
	if msg.err != nil {
		p.append(transcriptLine{who: "agent", text: msg.err.Error(), failed: true})
		return
	}
	if msg.reply.SessionID != "" {
		p.session = msg.reply.SessionID
	}
	who := "agent"
	if msg.reply.Path == agent.PathCommand {
		who = "shell"
	}
	p.append(transcriptLine{who: who, text: msg.reply.Text, failed: msg.reply.Error != ""})
}

func (p *agentPrompt) append(l transcriptLine) {
	p.lines = append(p.lines, l)
	if len(p.lines) > maxTranscript {
		p.lines = p.lines[len(p.lines)-maxTranscript:]
	}
}

func runTurn(a Agent, turn agent.Turn) tea.Cmd {
	return func() tea.Msg {
		reply, err := a.Handle(context.Background(), turn)
		return replyMsg{reply: reply, err: err}
	}
}

func (p *agentPrompt) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	var b strings.Builder
	start := 0
	if len(p.lines) > 8 {
		start = len(p.lines) - 8
	}
	whoStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	for _, l := range p.lines[start:] {
		text := l.text
		if l.failed {
			text = errStyle.Render(text)
		}
		b.WriteString(fmt.Sprintf("%s %s\n", whoStyle.Render(l.who+":"), text))
	}
	if len(p.lines) == 0 {
		b.WriteString("No messages yet.\n")
	}
	b.WriteString("\n")
	if p.pending {
		b.WriteString(p.spin.View() + " thinking...\n")
	} else {
		b.WriteString(p.input.View() + "\n")
	}
	title := "Agent"
	if p.session != "" {
		title += " (session " + p.session[:min(8, len(p.session))] + ")"
	}
	return renderPanel(title, b.String(), width, lipgloss.Color("214"))
}
