// Package util provides common utility functions and constants used across the
// omega application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// DefaultCommandTimeout is the wall-clock budget for one agent command.
	// When it elapses the whole process group of the command is killed and the
	// result carries the exit sentinel instead of a real status.
	// Used by: internal/executor (New) and internal/appconfig (Default, Load).
	DefaultCommandTimeout = 30 * time.Second

	// DefaultURLTimeout bounds how long a tunnel provider may run without
	// printing a public URL before the supervisor reports it as running
	// without an endpoint.
	//
	// Providers such as localhost.run negotiate over SSH before printing
	// anything, so the budget is generous. tunnel.url_timeout_seconds in
	// config.yaml overrides it.
	// Used by: internal/appconfig/config.go (Default).
	DefaultURLTimeout = 60 * time.Second

	// StopGracePeriod is how long a tunnel process group is given to exit
	// after SIGTERM before it is killed outright. Providers use it to close
	// their edge connection so the public URL is released promptly.
	// Used by: internal/tunnel/process.go (newProcess, Stop).
	StopGracePeriod = 3 * time.Second

	// DefaultRefreshSeconds is the fallback interval (in seconds) for the TUI
	// dashboard's periodic tunnel status refresh. This value is used when:
	//   - The user's config.yaml has an invalid or missing refresh_seconds value.
	//   - The application config has not been loaded yet.
	// Used by: internal/ui/ui.go (tickCmd, clampRefresh) and
	//          internal/appconfig/config.go (Default, Load).
	DefaultRefreshSeconds = 3

	// DefaultLocalPort is the local port the tunnel providers expose. It
	// matches the default API listen address so a fresh install tunnels the
	// API itself.
	// Used by: internal/appconfig/config.go (Default, DefaultProviders).
	DefaultLocalPort = 5000
)
