// Package cli provides the command-line interface for the relay binary.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/cli/commands"
	"github.com/cdprelay/cdprelay/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "cdprelay",
	Short:   "CDP relay — bridges a browser extension to CDP clients",
	Long:    `cdprelay multiplexes many Chrome DevTools Protocol clients onto a single browser extension connection.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(commands.NewRelayCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
	rootCmd.AddCommand(commands.NewDebugCommand())
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
