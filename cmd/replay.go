package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marsh-shell/marsh/core/ttylog"
)

var (
	replayFormat  string
	idleTimeLimit time.Duration
	noSleep       bool
	forceCRLF     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Replay a recorded session in the terminal.",
	Long: `Replay a recorded session back to the current terminal, honoring the
recorded timing. Recordings come from serve when record_sessions is on.
Files with a .cast extension are read as asciicast v2 instead of the
binary tty format, and --format cast converts in that direction.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		fd, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fd.Close()
		source := replaySource(args[0], fd)

		var sink ttylog.LogSink
		switch replayFormat {
		case "term":
			sink = ttylog.NewClientOutput(cmd.OutOrStdout())
			if !noSleep {
				sink = ttylog.NewRealTimePlayback(idleTimeLimit, sink)
			}
		case "cast":
			sink = ttylog.NewAsciicastLogSink(cmd.OutOrStdout())
		default:
			return fmt.Errorf("unknown format %q, want term or cast", replayFormat)
		}
		if forceCRLF {
			sink = ttylog.NewCRLFAdapter(sink)
		}

		return ttylog.Replay(source, sink)
	},
}

// replaySource picks the on-disk format by extension.
func replaySource(name string, r io.Reader) ttylog.LogSource {
	if strings.TrimPrefix(filepath.Ext(name), ".") == ttylog.AsciicastFileExt {
		return ttylog.NewAsciicastLogSource(r)
	}
	return ttylog.NewUMLLogSource(r)
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayFormat, "format", "term", "output format: term or cast")
	replayCmd.Flags().DurationVarP(&idleTimeLimit, "idle-time-limit", "i", 3*time.Second, "maximum idle time between events (e.g. 3s, 2m, 100ms)")
	replayCmd.Flags().BoolVar(&noSleep, "no-sleep", false, "print everything at once, ignoring the recorded timing")
	replayCmd.Flags().BoolVar(&forceCRLF, "crlf", false, "normalize newlines from recordings made without a pty")
}
