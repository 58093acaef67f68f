package cli

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		listen    string
		noTunnels bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and supervise tunnel providers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(true)
			if err != nil {
				return err
			}
			defer st.Close()
			if listen != "" {
				st.cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer st.mgr.StopAll()

			if !noTunnels {
				if err := st.mgr.StartAll(); err != nil {
					slog.Warn("some tunnel providers failed to start", "error", err)
				}
			}
			err = st.server().ListenAndServe(ctx)
			slog.Info("shutting down")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&noTunnels, "no-tunnels", false, "serve the API without starting providers")
	return cmd
}
