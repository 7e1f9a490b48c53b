package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Amo808/multiprovider/pkg/persistence/sqlstore"
)

func newConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Manage stored conversations",
	}
	cmd.AddCommand(newConversationsListCommand())
	cmd.AddCommand(newConversationsShowCommand())
	cmd.AddCommand(newConversationsDeleteCommand())
	return cmd
}

func newConversationsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sqlstore.New(viper.GetString("db"))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			summaries, err := db.ListConversations(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTITLE\tTURNS\tUPDATED")
			for _, s := range summaries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					s.ID, s.Title, s.TurnCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newConversationsShowCommand() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a stored conversation as markdown or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sqlstore.New(viper.GetString("db"))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			conv, err := db.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asYAML {
				return conv.WriteYAML(os.Stdout)
			}
			fmt.Print(conv.RenderMarkdown())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "emit YAML instead of markdown")
	return cmd
}

func newConversationsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sqlstore.New(viper.GetString("db"))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			return db.DeleteConversation(cmd.Context(), args[0])
		},
	}
}
