// Package main provides the entry point for the CDP relay CLI.
package main

import (
	"os"

	"github.com/cdprelay/cdprelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
