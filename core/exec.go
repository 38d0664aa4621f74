package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/anmitsu/go-shlex"
	"github.com/spf13/afero"

	"github.com/marsh-shell/marsh/core/interp"
	"github.com/marsh-shell/marsh/core/logger"
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
)

// Exit statuses the shell manufactures itself. Statuses reported by spawned
// programs pass through untouched.
const (
	StatusSuccess     = 0
	StatusFailure     = 1
	StatusCritical    = 2
	StatusNotFound    = 127
	StatusInterrupted = 130
)

// ErrExit reports that a builtin asked the shell to terminate. It stops the
// current line; the status to exit with travels in shell state.
var ErrExit = errors.New("exit requested")

var _ interp.Executor = (*Shell)(nil)

// Execute implements interp.Executor for a single command: resolve the
// redirects, run a builtin in-process or spawn an external program, and
// settle the output boundary.
func (s *Shell) Execute(cmd *interp.Command) (int, error) {
	dev := NewDevice(s.fsys, s.stdout, s.stderr)
	status := s.execute(cmd, dev)
	if err := dev.Flush(); err != nil {
		fmt.Fprintf(s.stderr, "marsh: %v\n", err)
		status = StatusFailure
	}
	s.lastStatus = status
	if s.exiting {
		return status, ErrExit
	}
	return status, nil
}

func (s *Shell) execute(cmd *interp.Command, dev *Device) int {
	table, err := redirect.Resolve(cmd.Redirects, s.prober, s.fsys, dev)
	if err != nil {
		dev.Eprintf("marsh: %v\n", err)
		return StatusFailure
	}

	if b, ok := AllBuiltins[cmd.Name]; ok {
		return s.runBuiltin(b, cmd, dev)
	}

	path, status := s.resolveCommand(cmd.Name, dev)
	if status != StatusSuccess {
		return status
	}

	path, args := s.spawnArgs(path, cmd.Args)
	res, err := s.spawner.Spawn(path, args, s.spawnEnv(cmd.Env), cmd.Background, table)
	if err != nil {
		dev.Eprintf("marsh: %v\n", err)
		s.logEvent(&logger.SpawnFailure{Path: path, Error: err.Error()})
		return StatusCritical
	}
	if cmd.Background {
		s.lastJobPID = res.PID
	}
	return res.ExitStatus
}

// runBuiltin invokes a builtin with the command's device installed as the
// shell's current output boundary.
func (s *Shell) runBuiltin(b ShellBuiltin, cmd *interp.Command, dev *Device) int {
	prev := s.dev
	s.dev = dev
	defer func() { s.dev = prev }()
	return b.Main(s, append([]string{cmd.Name}, cmd.Args...))
}

// resolveCommand turns a command name into the file to execute: absolute
// paths go as-is, dot-relative paths join the working directory, everything
// else searches the directories named in PATH, first match wins. Existence
// is the only test; execute permission failures surface at spawn time.
func (s *Shell) resolveCommand(name string, dev *Device) (string, int) {
	switch {
	case strings.HasPrefix(name, "/"):
		if ok, _ := afero.Exists(s.fsys, name); !ok {
			dev.Eprintf("marsh: %s: no such file or directory\n", name)
			return "", StatusNotFound
		}
		return name, StatusSuccess

	case strings.HasPrefix(name, "."):
		full := filepath.Join(s.cwd, name)
		if ok, _ := afero.Exists(s.fsys, full); !ok {
			dev.Eprintf("marsh: %s: no such file or directory\n", full)
			return "", StatusNotFound
		}
		return full, StatusSuccess

	default:
		for _, dir := range strings.Split(s.Getenv(EnvPath), ":") {
			if !filepath.IsAbs(dir) {
				// Empty and relative entries resolve against the
				// working directory.
				dir = filepath.Join(s.cwd, dir)
			}
			full := filepath.Join(dir, name)
			if ok, _ := afero.Exists(s.fsys, full); ok {
				return full, StatusSuccess
			}
		}
		dev.Eprintf("marsh: %s: command not found\n", name)
		return "", StatusNotFound
	}
}

// spawnArgs peeks at the resolved file to decide how to run it. A text
// file opening with "#!" runs under the interpreter that line names; other
// text files run under $SHELL; anything else spawns directly.
func (s *Shell) spawnArgs(path string, args []string) (string, []string) {
	line, isText := s.peekLine(path)
	if !isText {
		return path, args
	}

	var words []string
	if rest, ok := strings.CutPrefix(line, "#!"); ok {
		words, _ = shlex.Split(strings.TrimSpace(rest), true)
	}
	if len(words) == 0 {
		words = []string{s.Getenv(EnvShell)}
	}
	if words[0] == "" {
		return path, args
	}

	full := append(words, path)
	return full[0], append(full[1:], args...)
}

// peekLine reads the first line of a file and reports whether it looks
// like text. Unreadable files, empty files and binary content report
// false.
func (s *Shell) peekLine(path string) (string, bool) {
	f, err := s.fsys.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	line, err := bufio.NewReader(io.LimitReader(f, 1024)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false
	}
	if line == "" {
		return "", false
	}
	line = strings.TrimSuffix(line, "\n")
	if !utf8.ValidString(line) || strings.ContainsRune(line, 0) {
		return "", false
	}
	return line, true
}

// spawnEnv layers a command's own assignments over the shell's exported
// variables.
func (s *Shell) spawnEnv(overlay map[string]string) map[string]string {
	env := s.env.Exported()
	for k, v := range overlay {
		env[k] = v
	}
	return env
}

// pipePair is the parent's handle on one inter-stage pipe. The ends are
// nilled out as the stages using them finish with them.
type pipePair struct {
	r, w *os.File
}

type pipelineStage struct {
	cmd     *interp.Command
	builtin ShellBuiltin
	dev     *Device
	table   *redirect.Table
	status  int
	pid     int
	started bool
}

// ExecutePipeline implements interp.Executor for a multi-stage pipeline.
//
// Every stage's redirects resolve before anything starts, so a bad
// redirect aborts the whole pipeline without leaking processes. External
// stages then all start before anything waits or writes: a builtin feeding
// a pipe therefore always has its reader running and cannot wedge against
// a full pipe. The pipeline's status is the last stage's status.
func (s *Shell) ExecutePipeline(cmds []*interp.Command, background bool) (int, error) {
	last := len(cmds) - 1

	pipes := make([]pipePair, last)
	for i := range pipes {
		pr, pw, err := os.Pipe()
		if err != nil {
			closePipes(pipes[:i])
			fmt.Fprintf(s.stderr, "marsh: %v\n", err)
			s.lastStatus = StatusFailure
			return StatusFailure, nil
		}
		pipes[i] = pipePair{r: pr, w: pw}
	}

	stages := make([]*pipelineStage, len(cmds))
	for i, cmd := range cmds {
		st, err := s.prepareStage(cmd, i, last, pipes)
		if err != nil {
			st.dev.Eprintf("marsh: %v\n", err)
			st.dev.Flush()
			closePipes(pipes)
			s.lastStatus = StatusFailure
			return StatusFailure, nil
		}
		stages[i] = st
	}

	waiter, canWait := s.spawner.(spawn.Waiter)

	// The last external stage is deferred on backends that can only wait
	// inside Spawn, so upstream builtins get to write first.
	deferLast := stages[last].builtin == nil && !background && !canWait

	for i, st := range stages {
		if st.builtin != nil || (i == last && deferLast) {
			continue
		}
		s.startStage(st, true)
		st.dev.Flush()
		releasePipes(pipes, i, last)
	}

	for i, st := range stages {
		if st.builtin == nil {
			continue
		}
		st.status = s.runBuiltin(st.builtin, st.cmd, st.dev)
		if err := st.dev.Flush(); err != nil {
			fmt.Fprintf(s.stderr, "marsh: %v\n", err)
			st.status = StatusFailure
		}
		releasePipes(pipes, i, last)
	}

	tail := stages[last]
	if deferLast {
		s.startStage(tail, false)
		tail.dev.Flush()
		releasePipes(pipes, last, last)
	}
	closePipes(pipes)

	status := tail.status
	switch {
	case tail.builtin != nil || !tail.started:
		// Status already settled in-process.
	case background:
		s.lastJobPID = tail.pid
	case canWait:
		status = waiter.Wait(tail.pid).ExitStatus
	}

	s.lastStatus = status
	if s.exiting {
		return status, ErrExit
	}
	return status, nil
}

// prepareStage resolves one stage's descriptor table. External stages get
// the neighboring pipe endpoints prepended to their redirect requests;
// builtin stages write through their device instead, so only their
// explicit redirects resolve.
func (s *Shell) prepareStage(cmd *interp.Command, i, last int, pipes []pipePair) (*pipelineStage, error) {
	st := &pipelineStage{cmd: cmd}
	if b, ok := AllBuiltins[cmd.Name]; ok {
		st.builtin = b
	}

	if st.builtin != nil {
		out := io.Writer(s.stdout)
		if i < last {
			out = pipes[i].w
		}
		st.dev = NewDevice(s.fsys, out, s.stderr)
		table, err := redirect.Resolve(cmd.Redirects, s.prober, s.fsys, st.dev)
		st.table = table
		return st, err
	}

	st.dev = NewDevice(s.fsys, s.stdout, s.stderr)
	reqs := make([]redirect.Redirect, 0, len(cmd.Redirects)+2)
	if i > 0 {
		reqs = append(reqs, redirect.Pipe(redirect.PipeIn, int(pipes[i-1].r.Fd())))
	}
	if i < last {
		reqs = append(reqs, redirect.Pipe(redirect.PipeOut, int(pipes[i].w.Fd())))
	}
	reqs = append(reqs, cmd.Redirects...)
	table, err := redirect.Resolve(reqs, s.prober, s.fsys, st.dev)
	st.table = table
	return st, err
}

// startStage resolves the stage's command name and spawns it. Resolution
// and spawn failures settle the stage's status in place; the pipeline
// carries on so the remaining stages still see their pipes.
func (s *Shell) startStage(st *pipelineStage, background bool) {
	path, status := s.resolveCommand(st.cmd.Name, st.dev)
	if status != StatusSuccess {
		st.status = status
		return
	}
	path, args := s.spawnArgs(path, st.cmd.Args)
	res, err := s.spawner.Spawn(path, args, s.spawnEnv(st.cmd.Env), background, st.table)
	if err != nil {
		st.dev.Eprintf("marsh: %v\n", err)
		s.logEvent(&logger.SpawnFailure{Path: path, Error: err.Error()})
		st.status = StatusCritical
		return
	}
	st.started = true
	st.pid = res.PID
	st.status = res.ExitStatus
}

// releasePipes closes the parent's copies of the ends stage i was using:
// the children own duplicates once spawned, and a finished builtin has
// flushed. Closing the write end is what lets the downstream reader see
// end of input.
func releasePipes(pipes []pipePair, i, last int) {
	if i > 0 && pipes[i-1].r != nil {
		pipes[i-1].r.Close()
		pipes[i-1].r = nil
	}
	if i < last && pipes[i].w != nil {
		pipes[i].w.Close()
		pipes[i].w = nil
	}
}

func closePipes(pipes []pipePair) {
	for i := range pipes {
		if pipes[i].r != nil {
			pipes[i].r.Close()
			pipes[i].r = nil
		}
		if pipes[i].w != nil {
			pipes[i].w.Close()
			pipes[i].w = nil
		}
	}
}
