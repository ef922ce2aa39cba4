package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/toolhost"
)

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect configured tool servers",
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsStatusCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the aggregated tool catalog and shadowed tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withToolManager(configPath, func(tools *toolhost.Manager) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
				for _, entry := range tools.Catalog() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Tool.Name, entry.Server, entry.Tool.Description)
				}
				w.Flush()

				if shadowed := tools.Shadowed(); len(shadowed) > 0 {
					fmt.Println("\nshadowed (lost a name collision to an earlier-configured server):")
					for _, s := range shadowed {
						fmt.Printf("  %s from %s, shadowed by %s\n", s.Name, s.Server, s.ShadowedBy)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildToolsStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status for each tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withToolManager(configPath, func(tools *toolhost.Manager) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SERVER\tCONNECTED\tTOOLS\tREPORTED NAME\tLAST ERROR")
				for _, st := range tools.Status() {
					fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\n", st.ID, st.Connected, st.Tools, st.Server.Name, st.LastError)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func withToolManager(configPath string, fn func(*toolhost.Manager) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tools := toolhost.NewManager(&cfg.Tools, nil)
	if err := tools.Start(ctx); err != nil {
		return err
	}
	defer tools.Stop()

	return fn(tools)
}
