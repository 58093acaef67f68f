// Package ui is the interactive dashboard: tunnel providers on top, the agent
// prompt below.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/omega/internal/agent"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/util"
)

// Tunnels is the supervisor surface the dashboard drives.
type Tunnels interface {
	Snapshot() []model.TunnelRuntime
	Active() []model.ActiveTunnel
	Start(id string) (model.TunnelRuntime, error)
	Stop(id string) error
	Restart(id string) (model.TunnelRuntime, error)
	StopAll()
}

// Agent answers prompt turns.
type Agent interface {
	Handle(ctx context.Context, turn agent.Turn) (agent.Reply, error)
}

// Options wires the dashboard. Agent may be nil, which hides the prompt.
type Options struct {
	Tunnels        Tunnels
	Agent          Agent
	RefreshSeconds int
	// StopOnQuit stops every provider when the dashboard exits.
	StopOnQuit bool
}

type tickMsg time.Time

type statusMsg string

type modelUI struct {
	opts     Options
	tunnels  []model.TunnelRuntime
	active   []model.ActiveTunnel
	sel      int
	prompt   *agentPrompt
	showHelp bool
	status   string
	width    int
	height   int
}

func initialModel(opts Options) modelUI {
	m := modelUI{opts: opts}
	if opts.Agent != nil {
		m.prompt = newAgentPrompt()
	}
	m.refresh()
	m.status = "Ready. Select a provider and press s to start or stop it, i to talk to the agent."
	return m
}

func (m *modelUI) refresh() {
	m.tunnels = m.opts.Tunnels.Snapshot()
	m.active = m.opts.Tunnels.Active()
	if m.sel >= len(m.tunnels) {
		m.sel = len(m.tunnels) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m modelUI) Init() tea.Cmd {
	return tickCmd(m.opts.RefreshSeconds)
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tickCmd(m.opts.RefreshSeconds)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case spinner.TickMsg:
		if m.prompt == nil {
			return m, nil
		}
		return m, m.prompt.tick(msg)
	case replyMsg:
		if m.prompt != nil {
			m.prompt.finish(msg)
		}
		if msg.err != nil {
			m.status = "Agent error: " + msg.err.Error()
		} else {
			m.status = "Agent replied via " + msg.reply.Path + " path"
		}
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.prompt != nil && m.prompt.focused() {
			return m.updatePrompt(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m modelUI) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "esc":
		m.prompt.blur()
		m.status = "Prompt closed"
		return m, nil
	case "enter":
		turn, ok := m.prompt.submit()
		if !ok {
			return m, nil
		}
		m.status = "Waiting for the agent..."
		return m, tea.Batch(runTurn(m.opts.Agent, turn), m.prompt.spin.Tick)
	}
	return m, m.prompt.update(msg)
}

func (m modelUI) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m.quit()
	case "j", "down":
		if m.sel < len(m.tunnels)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "?":
		m.showHelp = !m.showHelp
	case "r":
		m.refresh()
		m.status = "Refreshed tunnel status"
	case "i", "tab":
		if m.prompt == nil {
			m.status = "Agent is not configured"
			break
		}
		m.status = "Type a request; Enter sends, Esc closes the prompt"
		return m, m.prompt.focus()
	case "d":
		if m.prompt != nil {
			m.prompt.dryRun = !m.prompt.dryRun
			m.status = fmt.Sprintf("Dry run %s", onOff(m.prompt.dryRun))
		}
	case "s":
		if len(m.tunnels) == 0 {
			break
		}
		rt := m.tunnels[m.sel]
		if rt.Status.Live() {
			if err := m.opts.Tunnels.Stop(rt.Provider); err != nil {
				m.status = "Stop failed: " + err.Error()
			} else {
				m.status = "Tunnel stopped: " + rt.Provider
			}
		} else {
			newRT, err := m.opts.Tunnels.Start(rt.Provider)
			if err != nil {
				m.status = "Tunnel start failed: " + err.Error()
			} else {
				m.status = fmt.Sprintf("Tunnel started: %s (pid=%d)", newRT.Provider, newRT.PID)
			}
		}
		m.refresh()
	case "R":
		if len(m.tunnels) == 0 {
			break
		}
		id := m.tunnels[m.sel].Provider
		if _, err := m.opts.Tunnels.Restart(id); err != nil {
			m.status = "Restart failed: " + err.Error()
		} else {
			m.status = "Tunnel restarted: " + id
		}
		m.refresh()
	}
	return m, nil
}

func (m modelUI) quit() (tea.Model, tea.Cmd) {
	if m.opts.StopOnQuit {
		m.opts.Tunnels.StopAll()
	}
	return m, tea.Quit
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (m modelUI) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Omega Dashboard")
	subhead := fmt.Sprintf("providers=%d active=%d refresh=%ds", len(m.tunnels), len(m.active), clampRefresh(m.opts.RefreshSeconds))
	if m.prompt != nil && m.prompt.dryRun {
		subhead += " dry-run"
	}

	left := strings.Builder{}
	left.WriteString("j/k to navigate; * marks an advertised URL.\n")
	for i, rt := range m.tunnels {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		mark := " "
		if rt.URL != "" {
			mark = "*"
		}
		left.WriteString(fmt.Sprintf("%s[%s] %-3d %-14s %s\n", cursor, mark, rt.Priority, util.Truncate(rt.Provider, 14), statusStyle(rt.Status).Render(string(rt.Status))))
	}
	if len(m.tunnels) == 0 {
		left.WriteString("  (no providers configured)\n")
	}

	detail := strings.Builder{}
	if len(m.tunnels) > 0 {
		rt := m.tunnels[m.sel]
		detail.WriteString(fmt.Sprintf("Provider: %s (%s)\nStatus: %s\nURL: %s\nPID: %d\nUptime: %s\nRestarts: %d\n",
			rt.Name, rt.Provider, rt.Status, util.EmptyDash(rt.URL), rt.PID,
			(time.Duration(rt.UptimeSec) * time.Second).String(), rt.Restarts))
		if rt.LastError != "" {
			detail.WriteString("Last error: " + rt.LastError + "\n")
		}
		if rt.Status.Live() {
			detail.WriteString("\nPress s to stop, R to restart.\n")
		} else {
			detail.WriteString("\nPress s to start.\n")
		}
	} else {
		detail.WriteString("Add providers under tunnel.providers in config.yaml.\n")
	}

	urls := strings.Builder{}
	for _, a := range m.active {
		urls.WriteString(fmt.Sprintf("%-3d %-14s %s\n", a.Priority, util.Truncate(a.Provider, 14), a.URL))
	}
	if len(m.active) == 0 {
		urls.WriteString("(none)\n")
	}

	quickHelp := "Keys: s start/stop | R restart | i agent prompt | d dry run | r refresh | ? help | q quit"
	width := m.effectiveWidth()
	parts := []string{
		head,
		subhead,
		quickHelp,
		m.renderMainPanels(left.String(), detail.String()),
		m.renderPanel("Public URLs", urls.String(), width, lipgloss.Color("63")),
	}
	if m.prompt != nil {
		parts = append(parts, m.prompt.view(m.renderPanel, width))
	}
	if m.showHelp {
		parts = append(parts, m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244")))
	}
	parts = append(parts, m.renderPanel("Status", m.status, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// Run starts the dashboard and blocks until the user quits.
func Run(opts Options) error {
	if opts.Tunnels == nil {
		return fmt.Errorf("ui: tunnels are required")
	}
	p := tea.NewProgram(initialModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func statusStyle(s model.TunnelStatus) lipgloss.Style {
	color := lipgloss.Color("244")
	switch s {
	case model.TunnelURLFound:
		color = lipgloss.Color("42")
	case model.TunnelStarting, model.TunnelURLPending, model.TunnelRunning:
		color = lipgloss.Color("214")
	case model.TunnelFailed:
		color = lipgloss.Color("196")
	}
	return lipgloss.NewStyle().Foreground(color)
}

func (m modelUI) renderMainPanels(providersPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Providers", providersPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Providers", providersPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m modelUI) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Tunnel: s starts the selected provider, or stops it when running. R restarts it.",
		"  Agent: i (or Tab) opens the prompt. Plain requests like \"list files\" run a command;",
		"         anything else goes to the model. Prefix with /cmd to run a command as typed.",
		"  Dry run: d toggles showing commands without running them.",
		"  Quit: q (or Ctrl+C).",
	}, "\n")
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m modelUI) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
