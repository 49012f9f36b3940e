package main

import (
	"fmt"
	"text/tabwriter"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service"
	"chatrelay/internal/storage"

	"github.com/spf13/cobra"
)

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openConversations()
			if err != nil {
				return err
			}
			defer closeStore()

			convs, err := svc.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODEL\tUPDATED\tTITLE")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Model, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "usage <id>",
		Short: "Show the usage ledger of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openConversations()
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := svc.Usage(args[0])
			if err != nil {
				return err
			}
			total := 0.0
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tMODEL\tPROMPT\tCOMPLETION\tCREDITS")
			for _, r := range records {
				total += r.Credits
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\n", r.MessageID, r.Model, r.PromptChars, r.CompletionChars, r.Credits)
			}
			fmt.Fprintf(w, "\t\t\ttotal\t%.2f\n", total)
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openConversations()
			if err != nil {
				return err
			}
			defer closeStore()

			for _, id := range args {
				if err := svc.Delete(id); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "Snapshot the storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(config.Get().Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Backup(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup written")
			return nil
		},
	})

	return cmd
}

func openConversations() (*service.ConversationService, func(), error) {
	cfg := config.Get()
	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	registry := models.NewRegistry(cfg.Models, cfg.Relay.DefaultModel)
	return service.NewConversationService(store, registry, cfg.Session), func() { _ = store.Close() }, nil
}
