// ABOUTME: send command: one message, live activity, then the rendered reply
// ABOUTME: Shared turn logic used by the interactive chat command

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/coordinator"
)

func sendCmd(flags *rootFlags) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			id, err := a.turn(ctx, newPrinter(os.Stdout), conversationID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if conversationID == "" {
				color.New(color.FgHiBlack).Fprintf(os.Stdout, "conversation %s\n", id)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

// turn sends text, follows a streamed reply to its end and prints the
// answer. It returns the conversation id, which is new when conversationID
// was empty.
func (a *app) turn(ctx context.Context, p *printer, conversationID, text string) (string, error) {
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	var updates <-chan coordinator.Update
	if conversationID != "" {
		updates = a.coord.Subscribe(subCtx, conversationID)
	}

	out, err := a.coord.Send(ctx, conversationID, text)
	if err != nil && out == nil {
		return conversationID, err
	}
	if err != nil {
		// Submitted but no stream; Send already reconciled with the server
		p.failure(err)
		p.reply(a.coord.Snapshot(out.ConversationID), out.UserMessageID)
		return out.ConversationID, nil
	}

	if !out.Streaming {
		p.reply(a.coord.Snapshot(out.ConversationID), out.UserMessageID)
		return out.ConversationID, nil
	}

	if updates == nil {
		updates = a.coord.Subscribe(subCtx, out.ConversationID)
	}
	follow(ctx, a.coord, out.ConversationID, updates, p)

	if ctx.Err() != nil {
		return out.ConversationID, ctx.Err()
	}
	if snap, ok := a.coord.Activity(out.ConversationID); ok {
		p.trace(snap)
	}
	if !p.reply(a.coord.Snapshot(out.ConversationID), out.UserMessageID) && out.Session.Err() != nil {
		return out.ConversationID, fmt.Errorf("analysis did not complete: %w", out.Session.Err())
	}
	return out.ConversationID, nil
}
