package cmd

import (
	"log"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marsh-shell/marsh/core/config"
)

// initCmd creates a configuration directory for serve.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration directory.",
	Long: `Write the default config.yaml, an empty authorized_keys, a recordings
directory and a fresh host key into the --config directory, or the
current directory when none is given. Existing files are kept.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		target := cfgPath
		if target == "" {
			target = "."
		}
		logger := log.New(cmd.ErrOrStderr(), "", 0)

		return config.Initialize(afero.NewOsFs(), target, logger)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
