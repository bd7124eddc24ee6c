package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/browserdebug"
)

// NewDebugCommand creates the debug subcommand, a set of manual
// verification helpers that drive a real chromedp client against a
// running relay instead of a hand-rolled WebSocket client.
func NewDebugCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Manual verification helpers for a running relay",
	}
	cmd.AddCommand(newDebugTabsCommand())
	cmd.AddCommand(newDebugAttachCommand())
	return cmd
}

func newDebugTabsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs <relay-url>",
		Short: "List page targets visible through a running relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabs, err := browserdebug.ListTabs(context.Background(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tabs {
				fmt.Fprintf(out, "%s  %-8s %s\n", t.ID, t.Type, t.URL)
			}
			return nil
		},
	}
}

func newDebugAttachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <relay-url> <navigate-url>",
		Short: "Attach through a running relay and navigate to a URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, err := browserdebug.Attach(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "navigated, page title: %s\n", title)
			return nil
		},
	}
}
