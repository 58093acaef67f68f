package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check providers, inference, storage and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				return writeJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Printf("    -> %s\n", issue.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newConfigCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	root.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.ConfigFilePath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, defaults included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return root
}
