// ABOUTME: chat command: interactive loop over one conversation
// ABOUTME: Slash commands switch conversations, show history or quit

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/coordinator"
)

const chatHelp = `/new      start a new conversation
/history  show the current conversation
/quit     leave`

func chatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat interactively, following agent activity as it happens",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			conversationID := ""
			if len(args) == 1 {
				conversationID = args[0]
			}
			return a.chat(ctx, conversationID)
		}),
	}
}

func (a *app) chat(ctx context.Context, conversationID string) error {
	p := newPrinter(os.Stdout)
	gray := color.New(color.FgHiBlack)
	prompt := color.New(color.FgGreen, color.Bold)

	gray.Printf("coven-stream %s  config: %s\n", version, a.configPath)
	gray.Println("type /help for commands")

	if conversationID != "" {
		a.open(ctx, conversationID)
		for _, m := range a.coord.Snapshot(conversationID).Messages {
			p.message(m)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		prompt.Print("> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			gray.Println(chatHelp)
			continue
		case "/new":
			conversationID = ""
			gray.Println("new conversation")
			continue
		case "/history":
			if conversationID == "" {
				gray.Println("no conversation yet")
				continue
			}
			for _, m := range a.coord.Snapshot(conversationID).Messages {
				p.message(m)
			}
			continue
		}

		id, err := a.turn(ctx, p, conversationID, line)
		switch {
		case errors.Is(err, coordinator.ErrDuplicateSend):
			gray.Println("already sent")
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			p.failure(err)
		}
		if id != "" && id != conversationID {
			conversationID = id
			gray.Printf("conversation %s\n", id)
		}
	}
}

// open loads a conversation from the cache and the server. A failed refresh
// leaves the cached messages in place.
func (a *app) open(ctx context.Context, conversationID string) {
	if err := a.coord.Open(ctx, conversationID); err != nil {
		a.logger.Warn("could not refresh conversation", "conversation_id", conversationID, "error", err)
	}
}
