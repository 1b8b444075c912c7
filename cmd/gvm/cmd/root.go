// Package cmd provides the command-line interface for gvm.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "gvm",
	Short: "gvm CLI tool can inspect the capture databases written by " +
		"instrumented address spaces.",
	Long: `gvm CLI tool can inspect the capture databases written by ` +
		`instrumented address spaces. Currently, it supports listing the ` +
		`tables of a capture database and dumping their records.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
