package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the build, e.g.
// go build -ldflags "-X github.com/marsh-shell/marsh/cmd.version=v1.2.3".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the marsh version.",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "marsh %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
