// ABOUTME: history and conversations commands for browsing past chats
// ABOUTME: Conversations come from the local cache; history refreshes from the server

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var errCacheDisabled = errors.New("local cache is disabled (database.disabled)")

func historyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			a.open(ctx, args[0])

			msgs := a.coord.Snapshot(args[0]).Messages
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}

			p := newPrinter(os.Stdout)
			for _, m := range msgs {
				p.message(m)
			}
			return nil
		}),
	}
}

func conversationsCmd(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			if a.cache == nil {
				return errCacheDisabled
			}

			convs, err := a.cache.ListConversations(ctx, limit)
			if err != nil {
				return fmt.Errorf("listing conversations: %w", err)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, title, humanize.Time(c.UpdatedAt))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to list (0 for all)")
	return cmd
}
