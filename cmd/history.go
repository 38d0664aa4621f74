package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/history"
)

var (
	historySearch string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the command index.",
	Long: `Query the SQLite command index across sessions, newest first. The index
fills while history_index is enabled in the configuration.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		idx, err := history.OpenIndex(indexPath(cfg))
		if err != nil {
			return err
		}
		defer idx.Close()

		records, err := idx.Search(historySearch, historyLimit)
		if err != nil {
			return err
		}

		for _, rec := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  [%3d]  %s\n",
				rec.StartedAt.Local().Format(time.DateTime), rec.ExitCode, rec.Line)
		}
		return nil
	},
}

// indexPath resolves the index location the way the shell does: the
// configured path, or next to the history file.
func indexPath(cfg *config.Configuration) string {
	if cfg.HistoryIndexFile != "" {
		return cfg.HistoryIndexFile
	}
	histPath := cfg.HistoryFile
	if histPath == "" {
		home, _ := os.UserHomeDir()
		wd, _ := os.Getwd()
		histPath = history.DefaultPath(afero.NewOsFs(), home, wd)
	}
	return filepath.Join(filepath.Dir(histPath), history.IndexFileName)
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historySearch, "search", "s", "", "only show commands containing this text")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of commands to show")
}
