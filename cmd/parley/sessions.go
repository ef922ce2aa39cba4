package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/storage"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsDeleteCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store storage.Store) error {
				sessions, err := store.List(context.Background(), agentID, storage.ListOptions{Limit: limit})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tMODEL\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, s.Model, s.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID to filter by (empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of sessions to return")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <session-key>",
		Short: "Delete a persisted session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(store storage.Store) error {
				ctx := context.Background()
				rec, err := store.GetByKey(ctx, args[0])
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no session with key %q", args[0])
					}
					return err
				}
				if err := store.ClearMessages(ctx, rec.ID); err != nil {
					return err
				}
				if err := store.Delete(ctx, rec.ID); err != nil {
					return err
				}
				fmt.Println("deleted", rec.Key)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func withStore(configPath string, fn func(storage.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store)
}
