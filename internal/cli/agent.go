package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/treykane/omega/internal/agent"
	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/security"
)

func newAgentCmd() *cobra.Command {
	var (
		dryRun    bool
		sessionID string
		modelName string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "agent <text...>",
		Short: "Run one agent turn: a matching request runs a command, anything else goes to the model",
		Example: "  omega agent list files\n" +
			"  omega agent --dry-run create a folder called build\n" +
			"  omega agent -- /cmd uname -a",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(true)
			if err != nil {
				return err
			}
			defer st.Close()

			reply, err := st.agent.Handle(cmd.Context(), agent.Turn{
				SessionID: sessionID,
				Text:      strings.Join(args, " "),
				Model:     modelName,
				DryRun:    dryRun,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(reply)
			}
			fmt.Println(reply.Text)
			if reply.SessionID != "" {
				fmt.Fprintf(os.Stderr, "session: %s\n", reply.SessionID)
			}
			return nil
		},
	}
	// Everything after the first word belongs to the request, including
	// things that look like flags (e.g. "/cmd ls -la").
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the command without running it")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&modelName, "model", "", "model for conversational replies")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the full reply as JSON")
	return cmd
}

func newModelsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models installed on the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			models, err := inference.NewClient(cfg.Inference).ModelsOrFallback(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %s Showing suggested models instead.\n", security.UserMessage(err, true))
			}
			if jsonOut {
				return writeJSON(models)
			}
			fmt.Printf("%-32s %-10s %s\n", "NAME", "SIZE", "MODIFIED")
			for _, m := range models {
				size, modified := "-", "-"
				if m.Size > 0 {
					size = humanize.Bytes(uint64(m.Size))
				}
				if !m.ModifiedAt.IsZero() {
					modified = humanize.Time(m.ModifiedAt)
				}
				name := m.Name
				if m.Name == cfg.Inference.Model {
					name += " *"
				}
				fmt.Printf("%-32s %-10s %s\n", name, size, modified)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
