package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"

	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/environ"
	"github.com/marsh-shell/marsh/core/history"
	"github.com/marsh-shell/marsh/core/interp"
	"github.com/marsh-shell/marsh/core/lineedit"
	"github.com/marsh-shell/marsh/core/logger"
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
)

// Environment variables the shell consumes and maintains.
const (
	EnvHome     = "HOME"
	EnvPWD      = "PWD"
	EnvOldPWD   = "OLDPWD"
	EnvPath     = "PATH"
	EnvPrompt   = "PS1"
	EnvShell    = "SHELL"
	EnvHostname = "HOSTNAME"
	EnvUser     = "USER"
	EnvUID      = "UID"
)

// rcName is the per-user startup script sourced by interactive shells.
const rcName = ".marshrc"

// DefaultPrompt is the classic colored user@host directory template, used
// when neither PS1 nor the configuration names one.
var DefaultPrompt = func() string {
	userHost := color.New(color.FgBlue, color.Bold)
	userHost.EnableColor()
	dir := color.New(color.FgYellow, color.Bold)
	dir.EnableColor()
	return userHost.Sprint(`\u@\h `) + dir.Sprint(`\w\$ `)
}()

// Options configures a Shell.
type Options struct {
	// Config supplies defaults and file locations. nil uses the built-in
	// defaults.
	Config *config.Configuration

	// Fs backs scripts, redirect targets and the history file. nil uses
	// the host filesystem.
	Fs afero.Fs

	// Input feeds the line editor, one byte at a time.
	Input lineedit.ByteSource

	// Output and ErrOutput receive prompt, builtin and diagnostic writes.
	// nil uses the process streams.
	Output    io.Writer
	ErrOutput io.Writer

	// Spawner runs external commands. nil uses the native backend.
	Spawner spawn.Backend

	// Prober validates descriptors named by duplicate redirects. nil
	// derives one from the spawner.
	Prober redirect.Prober

	// Environ seeds the variable overlay, usually os.Environ().
	Environ []string

	// Args are the positional parameters with $0 first.
	Args []string

	// Log receives session events. nil disables event logging.
	Log *logger.SessionLogger

	// Interactive enables the rc script, MOTD and history expansion.
	Interactive bool
}

// Shell is a single command interpreter: variable state, working
// directory, history and the execution engine behind one read-eval loop.
type Shell struct {
	cfg  *config.Configuration
	fsys afero.Fs

	stdout io.Writer
	stderr io.Writer

	env     *environ.Env
	history *history.Log
	index   *history.IndexStore
	editor  *lineedit.Editor
	runner  *interp.Runner
	spawner spawn.Backend
	prober  redirect.Prober
	log     *logger.SessionLogger

	cwd    string
	name0  string
	params []string

	dev         *Device // output boundary of the builtin being run
	seed        string  // pre-typed input for the next prompt
	lastStatus  int
	lastJobPID  int
	exiting     bool
	exitStatus  int
	interactive bool
}

// NewShell builds a shell over the given streams and spawn backend. Local
// shells seed Environ from the process; server sessions pass the remote
// user's environment instead.
func NewShell(opts Options) *Shell {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = &spawn.NativeBackend{}
	}
	prober := opts.Prober
	if prober == nil {
		prober = proberOf(spawner)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	errOut := opts.ErrOutput
	if errOut == nil {
		errOut = os.Stderr
	}

	s := &Shell{
		cfg:         cfg,
		fsys:        fsys,
		stdout:      out,
		stderr:      errOut,
		env:         environ.NewFromEnviron(opts.Environ),
		spawner:     spawner,
		prober:      prober,
		log:         opts.Log,
		interactive: opts.Interactive,
		name0:       "marsh",
	}
	if len(opts.Args) > 0 {
		s.name0 = opts.Args[0]
		s.params = opts.Args[1:]
	}
	s.Init()

	histPath := cfg.HistoryFile
	if histPath == "" {
		histPath = history.DefaultPath(fsys, s.Getenv(EnvHome), s.cwd)
	}
	s.history = history.NewLog(fsys, histPath)
	s.editor = lineedit.New(opts.Input, out, s.history)
	s.runner = interp.New(s)
	return s
}

// proberOf picks the descriptor prober matching a backend: hosts validate
// their own descriptors, everything else asks the kernel.
func proberOf(b spawn.Backend) redirect.Prober {
	if hb, ok := b.(interface{ Prober() redirect.Prober }); ok {
		return hb.Prober()
	}
	return redirect.FcntlProber{}
}

// Init establishes the login-ish environment: PATH and SHELL fall back to
// the configured defaults, identity and directory variables derive from
// the host when the caller's environment misses them.
func (s *Shell) Init() {
	if _, ok := s.env.Lookup(EnvPath); !ok {
		s.setenv(EnvPath, s.cfg.DefaultPath)
	}
	if _, ok := s.env.Lookup(EnvShell); !ok {
		s.setenv(EnvShell, s.cfg.DefaultShell)
	}
	if _, ok := s.env.Lookup(EnvHostname); !ok {
		if host, err := os.Hostname(); err == nil {
			s.setenv(EnvHostname, host)
		}
	}
	s.setenv(EnvUID, strconv.Itoa(os.Getuid()))

	if s.cwd = s.env.Get(EnvPWD); s.cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			s.cwd = wd
		} else {
			s.cwd = "/"
		}
	}
	s.setenv(EnvPWD, s.cwd)
}

func (s *Shell) setenv(key, value string) {
	s.env.Set(key, value)
	s.env.Export(key)
}

// SetEcho controls whether the line editor echoes input back to the
// output stream. Piped input turns echo off.
func (s *Shell) SetEcho(on bool) {
	s.editor.SetEcho(on)
}

// AttachIndex opens the searchable command index when the configuration
// asks for one.
func (s *Shell) AttachIndex() error {
	if !s.cfg.HistoryIndex {
		return nil
	}
	path := s.cfg.HistoryIndexFile
	if path == "" {
		path = filepath.Join(filepath.Dir(s.history.Path()), history.IndexFileName)
	}
	idx, err := history.OpenIndex(path)
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}

// Close releases resources the shell holds open.
func (s *Shell) Close() error {
	if s.index == nil {
		return nil
	}
	err := s.index.Close()
	s.index = nil
	return err
}

// Run drives the read-eval loop until a builtin exits the shell or the
// input ends, returning the shell's final status.
func (s *Shell) Run() int {
	if err := s.history.Load(); err != nil {
		s.eprintf("marsh: unable to load history: %v\n", err)
	}
	if s.interactive {
		s.sourceRc()
		s.printMotd()
	}

	for !s.exiting {
		s.write(s.Prompt() + s.seed)
		line, err := s.editor.ReadLine(s.seed)
		s.seed = ""
		switch {
		case errors.Is(err, lineedit.ErrInterrupted):
			s.write("\n")
			s.lastStatus = StatusInterrupted
			s.logEvent(&logger.Interrupt{})
			continue
		case errors.Is(err, io.EOF):
			s.write("\n")
			return s.lastStatus
		case err != nil:
			s.eprintf("marsh: read: %v\n", err)
			return StatusFailure
		}
		if line == "" {
			continue
		}
		s.dispatch(line)
	}
	return s.exitStatus
}

// dispatch runs one typed line through history expansion and execution.
// Expanded text goes back to the editor as pre-typed input instead of
// running immediately, so the user sees what a reference resolved to.
// Lines whose references do not resolve never run and never persist.
func (s *Shell) dispatch(line string) {
	expanded, token, outcome := history.Expand(line, s.history.Entries())
	switch outcome {
	case history.EventNotFound:
		s.eprintf("%s: event not found\n", token)
		s.lastStatus = StatusFailure
		s.logEvent(&logger.HistoryExpansion{Input: line, NotFound: token})

	case history.Expanded:
		s.seed = expanded
		s.logEvent(&logger.HistoryExpansion{Input: line, Expanded: expanded})

	default:
		s.runLine(line)
		if err := s.history.Append(line); err != nil {
			s.eprintf("marsh: unable to persist history: %v\n", err)
		}
	}
}

// runLine parses and executes one command line.
func (s *Shell) runLine(line string) {
	start := time.Now()
	status, err := s.runner.Run(line, s.name0)
	if err != nil && !errors.Is(err, ErrExit) {
		s.eprintf("marsh: %v\n", err)
	}
	s.lastStatus = status
	s.recordCommand(line, status, start)
	s.logEvent(&logger.CommandRun{Line: line, ExitStatus: status})
}

// RunCommand executes a single command line, as the -c flag does,
// returning its status.
func (s *Shell) RunCommand(line string) int {
	s.runLine(line)
	return s.lastStatus
}

// RunScript reads and executes a script in this shell. The script shares
// the shell's variables and working directory; its last command's status
// becomes the shell's status.
func (s *Shell) RunScript(path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cwd, path)
	}
	data, err := afero.ReadFile(s.fsys, path)
	if err != nil {
		return err
	}
	return s.RunSource(string(data), path)
}

// RunSource executes already-loaded source text under the given name. The
// first failing line stops the rest of the source.
func (s *Shell) RunSource(src, name string) error {
	start := time.Now()
	status, err := s.runner.Run(src, name)
	s.lastStatus = status
	s.recordCommand(name, status, start)
	if err != nil && !errors.Is(err, ErrExit) {
		return err
	}
	return nil
}

// ExitStatus is the status the shell last settled on, or the one a
// builtin asked to exit with.
func (s *Shell) ExitStatus() int {
	if s.exiting {
		return s.exitStatus
	}
	return s.lastStatus
}

// requestExit arranges for the shell to stop after the current line.
func (s *Shell) requestExit(status int) {
	s.exiting = true
	s.exitStatus = status
}

// Prompt renders the prompt template: PS1 wins, then the configured
// template, then the built-in default. \u, \h, \w and \$ expand the way
// login shells expand them, with the home directory shown as ~.
func (s *Shell) Prompt() string {
	prompt := s.Getenv(EnvPrompt)
	if prompt == "" {
		prompt = s.cfg.PromptTemplate
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	prompt = strings.ReplaceAll(prompt, `\u`, s.username())
	prompt = strings.ReplaceAll(prompt, `\h`, s.hostname())

	pwd := s.cwd
	if home := s.Getenv(EnvHome); home != "" && strings.HasPrefix(pwd, home) {
		pwd = "~" + strings.TrimPrefix(pwd, home)
	}
	prompt = strings.ReplaceAll(prompt, `\w`, pwd)

	if os.Getuid() == 0 {
		prompt = strings.ReplaceAll(prompt, `\$`, "#")
	} else {
		prompt = strings.ReplaceAll(prompt, `\$`, "$")
	}
	return prompt
}

func (s *Shell) username() string {
	if user := s.Getenv(EnvUser); user != "" {
		return user
	}
	return "user"
}

func (s *Shell) hostname() string {
	if host := s.Getenv(EnvHostname); host != "" {
		return host
	}
	host, err := os.Hostname()
	if err != nil {
		return "hostname"
	}
	return host
}

// Getenv implements the lookups the word expander performs, including the
// special parameters: $? for the last status, $! for the last background
// pid, $$ for the shell's pid, $# and positional references.
func (s *Shell) Getenv(name string) string {
	switch name {
	case "?":
		return strconv.Itoa(s.lastStatus)
	case "$":
		return strconv.Itoa(os.Getpid())
	case "!":
		if s.lastJobPID == 0 {
			return ""
		}
		return strconv.Itoa(s.lastJobPID)
	case "#":
		return strconv.Itoa(len(s.params))
	case "*", "@":
		return strings.Join(s.params, " ")
	case "0":
		return s.name0
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 {
		if n <= len(s.params) {
			return s.params[n-1]
		}
		return ""
	}
	return s.env.Get(name)
}

// Assign implements plain variable assignment for the interpreter.
// Assigning never changes a variable's export flag.
func (s *Shell) Assign(name, value string) {
	s.env.Set(name, value)
}

// sourceRc runs the user's startup script the way the source builtin
// would.
func (s *Shell) sourceRc() {
	path := s.cfg.RcPath
	if path == "" {
		home := s.Getenv(EnvHome)
		if home == "" {
			return
		}
		path = filepath.Join(home, rcName)
	}
	if ok, _ := afero.Exists(s.fsys, path); !ok {
		return
	}
	if err := s.RunScript(path); err != nil {
		s.eprintf("marsh: %s: %v\n", path, err)
	}
}

// printMotd shows the host's message of the day when one exists.
func (s *Shell) printMotd() {
	if s.cfg.MotdPath == "" {
		return
	}
	data, err := afero.ReadFile(s.fsys, s.cfg.MotdPath)
	if err != nil || len(data) == 0 {
		return
	}
	s.write(string(data))
	if data[len(data)-1] != '\n' {
		s.write("\n")
	}
}

func (s *Shell) recordCommand(line string, status int, start time.Time) {
	if s.index == nil {
		return
	}
	session := ""
	if s.log != nil {
		session = s.log.SessionID()
	}
	rec := history.CommandRecord{
		StartedAt: start,
		Session:   session,
		Line:      line,
		ExitCode:  status,
		Duration:  time.Since(start),
	}
	if err := s.index.Record(rec); err != nil {
		s.eprintf("marsh: history index: %v\n", err)
		s.index = nil
	}
}

func (s *Shell) logEvent(event logger.Event) {
	if s.log != nil {
		s.log.Record(event)
	}
}

func (s *Shell) write(str string) {
	io.WriteString(s.stdout, str)
}

func (s *Shell) eprintf(format string, args ...interface{}) {
	fmt.Fprintf(s.stderr, format, args...)
}
