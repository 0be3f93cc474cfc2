package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentrelay/internal/domain"
	"agentrelay/internal/history"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [session_id]",
		Short: "List conversations or print one conversation's turns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if len(args) == 0 {
				convs, err := store.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				printConversations(os.Stdout, convs)
				return nil
			}

			conv, err := store.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if conv == nil {
				fmt.Printf("No conversation %s.\n", args[0])
				return nil
			}
			handled, err := store.CountInteractions(ctx, conv.ChannelUserID)
			if err != nil {
				return err
			}
			printHeader(os.Stdout, *conv, handled)

			turns, err := store.Replay(ctx, conv.ID())
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Println("No turns recorded.")
				return nil
			}
			printTurns(os.Stdout, turns)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations to list")
	return cmd
}

func printConversations(w io.Writer, convs []domain.Conversation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tUSER\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID(), c.ChannelUserID, c.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printHeader(w io.Writer, conv domain.Conversation, handled int) {
	fmt.Fprintf(w, "session %s  user %s  started %s  updates handled %d\n\n",
		conv.ID(), conv.ChannelUserID, conv.CreatedAt.Local().Format(time.DateTime), handled)
}

func printTurns(w io.Writer, turns []domain.Turn) {
	for _, t := range turns {
		fmt.Fprintf(w, "[%s] %s: %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Role, t.Text)
	}
}
