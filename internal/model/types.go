package model

import "time"

// ProviderSpec describes one external tunnel provider. Specs are loaded once
// from config and never mutated afterwards.
type ProviderSpec struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Command    []string `yaml:"command" json:"command"`
	URLPattern string   `yaml:"url_pattern" json:"url_pattern"`
	Priority   int      `yaml:"priority" json:"priority"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	PTY        bool     `yaml:"pty,omitempty" json:"pty,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (p ProviderSpec) DisplayName() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}

// TunnelStatus is the lifecycle state of one provider run.
type TunnelStatus string

const (
	TunnelDisabled   TunnelStatus = "disabled"
	TunnelStarting   TunnelStatus = "starting"
	TunnelURLPending TunnelStatus = "url_pending"
	TunnelURLFound   TunnelStatus = "url_found"
	// TunnelRunning means the process is alive but no URL was seen within
	// the discovery window.
	TunnelRunning TunnelStatus = "running"
	TunnelFailed  TunnelStatus = "failed"
	TunnelStopped TunnelStatus = "stopped"
)

// Live reports whether a process is expected to be running in this state.
func (s TunnelStatus) Live() bool {
	switch s {
	case TunnelStarting, TunnelURLPending, TunnelURLFound, TunnelRunning:
		return true
	}
	return false
}

// TunnelRuntime is the supervisor's view of one provider.
type TunnelRuntime struct {
	Provider     string       `json:"provider"`
	Name         string       `json:"name"`
	Priority     int          `json:"priority"`
	Status       TunnelStatus `json:"status"`
	URL          string       `json:"url,omitempty"`
	PID          int          `json:"pid,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	LastOutputAt time.Time    `json:"last_output_at,omitempty"`
	UptimeSec    int64        `json:"uptime_sec"`
	Restarts     int          `json:"restarts,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// ActiveTunnel is one advertised public endpoint.
type ActiveTunnel struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// Discovery is the durable record written when a provider first reports a URL.
type Discovery struct {
	Provider     string    `json:"provider"`
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// ExitSentinel marks a command that never produced a real exit status
// (timeout, launch failure, safety rejection).
const ExitSentinel = -1

// CommandResult is the outcome of one agent command.
type CommandResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration_ns"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Blocked  bool          `json:"blocked,omitempty"`
}
