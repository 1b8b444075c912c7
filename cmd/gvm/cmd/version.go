package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at release time with
// -ldflags "-X github.com/sarchlab/gvm/cmd/gvm/cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gvm version.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("gvm", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
