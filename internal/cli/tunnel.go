package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/events"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/store"
	"github.com/treykane/omega/internal/tunnel"
	"github.com/treykane/omega/internal/util"
)

func newTunnelCmd() *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Manage tunnel providers"}
	root.AddCommand(newTunnelUpCmd())
	root.AddCommand(newTunnelStatusCmd())
	root.AddCommand(newTunnelEventsCmd())
	root.AddCommand(newTunnelProvidersCmd())
	root.AddCommand(newTunnelDiscoveriesCmd())
	return root
}

func newTunnelUpCmd() *cobra.Command {
	var wait time.Duration
	up := &cobra.Command{
		Use:   "up [provider...]",
		Short: "Start providers in the foreground and print public URLs as they appear",
		Long: "Starts the named providers, or every enabled provider when none are named.\n" +
			"Runs until interrupted (or for --wait) and then stops everything it started.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}
			defer st.mgr.StopAll()

			if len(args) == 0 {
				if err := st.mgr.StartAll(); err != nil {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
			}
			for _, id := range args {
				rt, err := st.mgr.Start(id)
				if err != nil {
					return err
				}
				fmt.Printf("started %s pid=%d\n", rt.Provider, rt.PID)
			}
			watchURLs(ctx, st.mgr)
			return nil
		},
	}
	up.Flags().DurationVar(&wait, "wait", 0, "stop after this long instead of waiting for a signal")
	return up
}

// watchURLs prints each newly advertised URL until ctx is done.
func watchURLs(ctx context.Context, mgr *tunnel.Manager) {
	printed := map[string]string{}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, a := range mgr.Active() {
			if printed[a.Provider] == a.URL {
				continue
			}
			printed[a.Provider] = a.URL
			fmt.Printf("%s %s\n", a.Provider, a.URL)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newTunnelStatusCmd() *cobra.Command {
	var jsonOut bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show provider state recorded by the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			path, err := appconfig.RuntimeFilePath()
			if err != nil {
				return err
			}
			snap, err := tunnel.LoadSnapshot(path)
			if err != nil {
				return err
			}
			snap = withConfiguredProviders(snap, cfg.Tunnel.Providers)
			if jsonOut {
				return writeJSON(snap)
			}
			fmt.Printf("%-14s %-4s %-12s %-8s %-10s %-44s %s\n", "PROVIDER", "PRIO", "STATUS", "PID", "UPTIME", "URL", "LAST ERROR")
			for _, rt := range snap {
				fmt.Printf("%-14s %-4d %-12s %-8d %-10s %-44s %s\n", rt.Provider, rt.Priority, rt.Status, rt.PID,
					(time.Duration(rt.UptimeSec) * time.Second).String(), util.EmptyDash(rt.URL), util.EmptyDash(rt.LastError))
			}
			return nil
		},
	}
	status.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return status
}

// withConfiguredProviders adds a disabled row for each configured provider
// missing from the recorded snapshot.
func withConfiguredProviders(snap []model.TunnelRuntime, specs []model.ProviderSpec) []model.TunnelRuntime {
	seen := make(map[string]bool, len(snap))
	for _, rt := range snap {
		seen[rt.Provider] = true
	}
	for _, p := range specs {
		if !seen[p.ID] {
			snap = append(snap, model.TunnelRuntime{Provider: p.ID, Name: p.DisplayName(), Priority: p.Priority, Status: model.TunnelDisabled})
		}
	}
	return snap
}

func newTunnelEventsCmd() *cobra.Command {
	var (
		provider  string
		eventType string
		since     time.Duration
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{Provider: provider, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return writeJSON(evts)
			}
			fmt.Printf("%-25s %-14s %-18s %-12s %s\n", "TIME", "PROVIDER", "EVENT", "STATUS", "DETAIL")
			for _, e := range evts {
				detail := e.Message
				if e.URL != "" {
					detail = strings.TrimSpace(e.URL + " " + detail)
				}
				fmt.Printf("%-25s %-14s %-18s %-12s %s\n", e.Timestamp.Local().Format(time.RFC3339), e.Provider, e.EventType, util.EmptyDash(string(e.Status)), util.EmptyDash(detail))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "only events for this provider")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newTunnelProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured tunnel providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			fmt.Printf("%-14s %-14s %-4s %-8s %-4s %s\n", "ID", "NAME", "PRIO", "ENABLED", "PTY", "COMMAND")
			for _, p := range cfg.Tunnel.Providers {
				fmt.Printf("%-14s %-14s %-4d %-8t %-4t %s\n", p.ID, util.Truncate(p.DisplayName(), 14), p.Priority, p.Enabled, p.PTY, strings.Join(p.Command, " "))
			}
			return nil
		},
	}
}

func newTunnelDiscoveriesCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "discoveries",
		Short: "List public URLs providers have reported, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			path, err := cfg.DatabasePath()
			if err != nil {
				return err
			}
			db, err := store.Open(path)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.Close(); err != nil {
					slog.Warn("failed to close database", "error", err)
				}
			}()
			found, err := db.Discoveries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if found == nil {
					found = []model.Discovery{}
				}
				return writeJSON(found)
			}
			fmt.Printf("%-14s %-16s %s\n", "PROVIDER", "SEEN", "URL")
			for _, d := range found {
				fmt.Printf("%-14s %-16s %s\n", d.Provider, humanize.Time(d.DiscoveredAt), d.URL)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
