package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marsh-shell/marsh/core"
	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/lineedit"
	"github.com/marsh-shell/marsh/core/logger"
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
)

var (
	cfgPath      string
	commandLine  string
	eventLogPath string

	// exitStatus propagates the shell's exit status through Execute.
	exitStatus int
)

// loadConfig returns the built-in defaults when no --config directory was
// given, so the local shell works without any setup.
func loadConfig() (*config.Configuration, error) {
	if cfgPath == "" {
		return config.Defaults(), nil
	}

	configuration, err := config.Load(afero.NewOsFs(), cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Println("Couldn't load config: did you run init?")
	}
	return configuration, err
}

// loadConfigDir is loadConfig for commands that need the configuration
// directory's files, not just the settings.
func loadConfigDir() (*config.Configuration, error) {
	if cfgPath == "" {
		return nil, errors.New("this command needs --config pointing at an initialized directory")
	}
	return loadConfig()
}

// rootCmd runs the shell itself when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "marsh [script [args...]]",
	Short: "An interactive command shell.",
	Long: `marsh is an interactive command shell with history expansion, pipelines,
redirects and an SSH front end for serving sessions remotely.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		status, err := runShell(args)
		exitStatus = status
		return err
	},
}

// Execute runs the CLI and exits with the shell's status.
// This is called by main.main().
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
	os.Exit(exitStatus)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration directory, empty for built-in defaults")
	rootCmd.Flags().StringVarP(&commandLine, "command", "c", "", "run this command instead of reading input")
	rootCmd.Flags().StringVar(&eventLogPath, "log", "", "append session events to this JSON-lines file")
}

func runShell(args []string) (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 1, err
	}

	sessionLog, closeLog, err := openSessionLog()
	if err != nil {
		return 1, err
	}
	defer closeLog()

	interactive := commandLine == "" && len(args) == 0 && lineedit.IsTerminal(os.Stdin)

	var (
		src     lineedit.ByteSource = lineedit.NewStreamReader(os.Stdin)
		out     io.Writer           = os.Stdout
		errOut  io.Writer           = os.Stderr
		backend spawn.Backend       = &spawn.NativeBackend{}
	)
	if interactive {
		term := lineedit.NewTerminal(os.Stdin)
		if err := term.Raw(); err != nil {
			return 1, err
		}
		defer term.Restore()

		src = lineedit.NewKeyReader(src)
		out = lineedit.NewCRLFWriter(out)
		errOut = lineedit.NewCRLFWriter(errOut)
		backend = &spawn.NativeBackend{Stdio: localStdio(term)}

		// ^C during a foreground child must reach the child, not kill the
		// shell. While editing the terminal is raw, so no signal fires.
		signal.Ignore(os.Interrupt)
	}

	shellArgs := []string{"marsh"}
	if len(args) > 0 {
		shellArgs = args
	}

	sh := core.NewShell(core.Options{
		Config:      cfg,
		Input:       src,
		Output:      out,
		ErrOutput:   errOut,
		Spawner:     backend,
		Environ:     os.Environ(),
		Args:        shellArgs,
		Log:         sessionLog,
		Interactive: interactive,
	})
	defer sh.Close()

	if err := sh.AttachIndex(); err != nil {
		fmt.Fprintf(os.Stderr, "marsh: history index: %v\n", err)
	}
	if !interactive {
		sh.SetEcho(false)
	}

	switch {
	case commandLine != "":
		return sh.RunCommand(commandLine), nil
	case len(args) > 0:
		if err := sh.RunScript(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "marsh: %v\n", err)
			if errors.Is(err, fs.ErrNotExist) {
				return core.StatusNotFound, nil
			}
			return core.StatusCritical, nil
		}
		return sh.ExitStatus(), nil
	default:
		return sh.Run(), nil
	}
}

// openSessionLog wires --log into a per-run event log session.
func openSessionLog() (*logger.SessionLogger, func(), error) {
	if eventLogPath == "" {
		return nil, func() {}, nil
	}
	fd, err := os.OpenFile(eventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return logger.NewJsonLinesLogRecorder(fd).NewSession(), func() { fd.Close() }, nil
}

// localStdio hands foreground children the terminal in its ordinary cooked
// state and switches back to raw for the editor once they exit. Background
// jobs leave the mode alone.
func localStdio(term *lineedit.Terminal) spawn.StdioFunc {
	return func(background bool) (redirect.Stdio, func(), error) {
		if background {
			return redirect.OwnStdio(), func() {}, nil
		}
		if err := term.Restore(); err != nil {
			return redirect.Stdio{}, nil, err
		}
		return redirect.OwnStdio(), func() { term.Raw() }, nil
	}
}
