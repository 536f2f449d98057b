// ABOUTME: Entry point for coven-stream, a terminal client for multi-agent analysis chats
// ABOUTME: Sends messages, follows agent activity live and browses cached conversations

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "coven-stream",
		Short:         "Chat with multi-agent analyses and watch them work",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath(), "config file (YAML or TOML)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		chatCmd(flags),
		sendCmd(flags),
		historyCmd(flags),
		conversationsCmd(flags),
	)
	return root
}

// withApp builds the app for a command, runs fn under app.run and tears
// everything down afterwards.
func withApp(flags *rootFlags, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flags.configPath, flags.logLevel)
		if err != nil {
			return err
		}
		defer a.close()

		return a.run(cmd.Context(), func(ctx context.Context) error {
			return fn(ctx, a, args)
		})
	}
}
