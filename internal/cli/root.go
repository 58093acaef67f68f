// Package cli provides the command-line interface for omega.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/ui"
)

// NewRootCommand creates the root cobra command. Without a subcommand it
// starts the dashboard.
func NewRootCommand() *cobra.Command {
	var (
		verbose bool
		logJSON bool
	)
	root := &cobra.Command{
		Use:           "omega",
		Short:         "Expose a local model server through tunnels and drive it from a terminal agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Stderr, verbose, logJSON)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(verbose, logJSON)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write logs as JSON")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTunnelCmd())
	root.AddCommand(newAgentCmd())
	root.AddCommand(newModelsCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func setupLogging(w io.Writer, verbose, logJSON bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if logJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// runDashboard starts providers and the API server in the background and
// hands the terminal to the dashboard. Logs go to omega.log while the
// dashboard owns the screen.
func runDashboard(verbose, logJSON bool) error {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "omega.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	setupLogging(logFile, verbose, logJSON)

	st, err := openStack(true)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := st.server()
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			slog.Error("api server stopped", "error", err)
		}
	}()

	if err := st.mgr.StartAll(); err != nil {
		slog.Warn("some tunnel providers failed to start", "error", err)
	}
	return ui.Run(ui.Options{
		Tunnels:        st.mgr,
		Agent:          st.agent,
		RefreshSeconds: st.cfg.UI.RefreshSeconds,
		StopOnQuit:     true,
	})
}
