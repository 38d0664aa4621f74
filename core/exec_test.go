package core

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/interp"
	"github.com/marsh-shell/marsh/core/lineedit"
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
)

type spawnCall struct {
	path       string
	args       []string
	env        map[string]string
	background bool
	table      *redirect.Table
}

// fakeBackend records spawns without starting anything. When a table routes
// fd 0 from a pipe it keeps a duplicate of the read end, the way a real child
// would, so the test can inspect what the parent fed it.
type fakeBackend struct {
	calls    []spawnCall
	statuses map[string]int
	err      error
	nextPID  int
	stdin    *os.File
}

func (f *fakeBackend) Spawn(path string, args []string, env map[string]string, background bool, table *redirect.Table) (spawn.Result, error) {
	f.calls = append(f.calls, spawnCall{path, args, env, background, table})
	if f.err != nil {
		return spawn.Result{}, f.err
	}
	if slot, ok := table.Slot(0); ok && slot.State == redirect.Pending && slot.Redirect.Kind == redirect.PipeIn {
		if fd, err := unix.Dup(slot.Redirect.Fd); err == nil {
			f.stdin = os.NewFile(uintptr(fd), "stdin")
		}
	}
	f.nextPID++
	status := 0
	if !background {
		status = f.statuses[path]
	}
	return spawn.Result{ExitStatus: status, PID: 1000 + f.nextPID}, nil
}

// fakeWaitBackend adds the separate wait the native backend offers.
type fakeWaitBackend struct {
	*fakeBackend
	waitStatus int
	waited     []int
}

func (f *fakeWaitBackend) Wait(pid int) spawn.Result {
	f.waited = append(f.waited, pid)
	return spawn.Result{ExitStatus: f.waitStatus, PID: pid}
}

var testEnviron = []string{
	"PATH=/bin:/usr/bin",
	"HOME=/home/user",
	"PWD=/home/user",
	"USER=tester",
	"HOSTNAME=box",
	"SHELL=/bin/marsh",
}

func newTestShell(t *testing.T, fsys afero.Fs, backend spawn.Backend) (*Shell, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	// The cd builtin chdirs the real process; undo that so later tests can
	// still resolve relative paths like goldie's fixture directory.
	if wd, err := os.Getwd(); err == nil {
		t.Cleanup(func() { _ = os.Chdir(wd) })
	}
	var out, errOut bytes.Buffer
	s := NewShell(Options{
		Config:    config.Defaults(),
		Fs:        fsys,
		Input:     lineedit.NewStreamReader(strings.NewReader("")),
		Output:    &out,
		ErrOutput: &errOut,
		Spawner:   backend,
		Prober:    redirect.FcntlProber{},
		Environ:   testEnviron,
	})
	return s, &out, &errOut
}

func writeBinary(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, []byte("\x7fELF\xff\xfe\n\x00"), 0755))
}

func TestExecuteSpawnsBinary(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/ls")
	backend := &fakeBackend{statuses: map[string]int{"/bin/ls": 3}}
	s, _, errOut := newTestShell(t, fsys, backend)

	status, err := s.Execute(&interp.Command{Name: "ls", Args: []string{"-la"}})
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "3", s.Getenv("?"))
	assert.Empty(t, errOut.String())

	require.Len(t, backend.calls, 1)
	call := backend.calls[0]
	assert.Equal(t, "/bin/ls", call.path)
	assert.Equal(t, []string{"-la"}, call.args)
	assert.False(t, call.background)
	assert.Equal(t, "/bin:/usr/bin", call.env["PATH"])
}

func TestExecuteCommandNotFound(t *testing.T) {
	backend := &fakeBackend{}
	s, _, errOut := newTestShell(t, afero.NewMemMapFs(), backend)

	status, err := s.Execute(&interp.Command{Name: "nope"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
	assert.Equal(t, "marsh: nope: command not found\n", errOut.String())
	assert.Empty(t, backend.calls)
}

func TestExecuteAbsolutePathMissing(t *testing.T) {
	backend := &fakeBackend{}
	s, _, errOut := newTestShell(t, afero.NewMemMapFs(), backend)

	status, err := s.Execute(&interp.Command{Name: "/opt/tool"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
	assert.Equal(t, "marsh: /opt/tool: no such file or directory\n", errOut.String())
}

func TestExecuteDotRelative(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/home/user/tool")
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	status, err := s.Execute(&interp.Command{Name: "./tool"})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, "/home/user/tool", backend.calls[0].path)
}

func TestExecuteShebangScript(t *testing.T) {
	fsys := afero.NewMemMapFs()
	script := "#!/usr/bin/python3 -u\nprint('hi')\n"
	require.NoError(t, afero.WriteFile(fsys, "/bin/deploy", []byte(script), 0755))
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	_, err := s.Execute(&interp.Command{Name: "deploy", Args: []string{"--env", "prod"}})
	require.NoError(t, err)

	require.Len(t, backend.calls, 1)
	call := backend.calls[0]
	assert.Equal(t, "/usr/bin/python3", call.path)
	assert.Equal(t, []string{"-u", "/bin/deploy", "--env", "prod"}, call.args)
}

func TestExecuteMarkerlessScriptUsesShell(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/bin/greet", []byte("echo hello\n"), 0755))
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	_, err := s.Execute(&interp.Command{Name: "greet"})
	require.NoError(t, err)

	require.Len(t, backend.calls, 1)
	call := backend.calls[0]
	assert.Equal(t, "/bin/marsh", call.path)
	assert.Equal(t, []string{"/bin/greet"}, call.args)
}

func TestExecuteEmptyFileSpawnsDirectly(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/bin/blank", nil, 0755))
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	_, err := s.Execute(&interp.Command{Name: "blank"})
	require.NoError(t, err)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, "/bin/blank", backend.calls[0].path)
}

func TestExecuteBuiltin(t *testing.T) {
	backend := &fakeBackend{}
	s, out, _ := newTestShell(t, afero.NewMemMapFs(), backend)

	status, err := s.Execute(&interp.Command{Name: "echo", Args: []string{"hello", "world"}})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hello world\n", out.String())
	assert.Empty(t, backend.calls)
}

func TestExecuteBuiltinRedirect(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s, out, _ := newTestShell(t, fsys, &fakeBackend{})

	cmd := &interp.Command{
		Name:      "echo",
		Args:      []string{"captured"},
		Redirects: []redirect.Redirect{redirect.File(redirect.WriteTo, 1, "/tmp/o.txt")},
	}
	status, err := s.Execute(cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, out.String())

	data, err := afero.ReadFile(fsys, "/tmp/o.txt")
	require.NoError(t, err)
	assert.Equal(t, "captured\n", string(data))
}

func TestExecuteRedirectResolutionFailure(t *testing.T) {
	backend := &fakeBackend{}
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/cat")
	s, _, errOut := newTestShell(t, fsys, backend)

	cmd := &interp.Command{
		Name:      "cat",
		Redirects: []redirect.Redirect{redirect.File(redirect.ReadFrom, 0, "/missing.txt")},
	}
	status, err := s.Execute(cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, status)
	assert.Contains(t, errOut.String(), "/missing.txt: no such file or directory")
	assert.Empty(t, backend.calls)
}

func TestExecuteSpawnFailureIsCritical(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/broken")
	backend := &fakeBackend{err: &spawn.StartError{Err: errors.New("exec format error")}}
	s, _, errOut := newTestShell(t, fsys, backend)

	status, err := s.Execute(&interp.Command{Name: "broken"})
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, status)
	assert.Contains(t, errOut.String(), "could not execute binary: exec format error")
}

func TestExecuteBackgroundTracksJob(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/sleep")
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	status, err := s.Execute(&interp.Command{Name: "sleep", Args: []string{"60"}, Background: true})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	require.Len(t, backend.calls, 1)
	assert.True(t, backend.calls[0].background)
	assert.Equal(t, "1001", s.Getenv("!"))
}

func TestExecuteEnvOverlay(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/env")
	backend := &fakeBackend{}
	s, _, _ := newTestShell(t, fsys, backend)

	_, err := s.Execute(&interp.Command{Name: "env", Env: map[string]string{"FOO": "bar"}})
	require.NoError(t, err)
	require.Len(t, backend.calls, 1)
	env := backend.calls[0].env
	assert.Equal(t, "bar", env["FOO"])
	assert.Equal(t, "/bin:/usr/bin", env["PATH"])
}

func TestExecuteExitBuiltinStopsLine(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	status, err := s.Execute(&interp.Command{Name: "exit", Args: []string{"4"}})
	assert.ErrorIs(t, err, ErrExit)
	assert.Equal(t, 4, status)
	assert.Equal(t, 4, s.ExitStatus())
}

func TestExecutePipelineExternals(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/cat")
	writeBinary(t, fsys, "/bin/grep")
	backend := &fakeWaitBackend{fakeBackend: &fakeBackend{}, waitStatus: 5}
	s, _, _ := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{
		{Name: "cat", Args: []string{"file"}},
		{Name: "grep", Args: []string{"x"}},
	}
	status, err := s.ExecutePipeline(cmds, false)
	require.NoError(t, err)
	assert.Equal(t, 5, status)

	require.Len(t, backend.calls, 2)
	assert.True(t, backend.calls[0].background)
	assert.True(t, backend.calls[1].background)

	// Stage 0 writes into the pipe, stage 1 reads from it.
	slot, ok := backend.calls[0].table.Slot(1)
	require.True(t, ok)
	assert.Equal(t, redirect.Pending, slot.State)
	assert.Equal(t, redirect.PipeOut, slot.Redirect.Kind)

	slot, ok = backend.calls[1].table.Slot(0)
	require.True(t, ok)
	assert.Equal(t, redirect.Pending, slot.State)
	assert.Equal(t, redirect.PipeIn, slot.Redirect.Kind)

	assert.Equal(t, []int{1002}, backend.waited)
}

func TestExecutePipelineBuiltinFeedsExternal(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/wc")
	backend := &fakeWaitBackend{fakeBackend: &fakeBackend{}}
	s, out, _ := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{
		{Name: "echo", Args: []string{"hi"}},
		{Name: "wc", Args: []string{"-l"}},
	}
	status, err := s.ExecutePipeline(cmds, false)
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	// Only the external stage spawned; the builtin's output went into the
	// pipe rather than the terminal.
	require.Len(t, backend.calls, 1)
	assert.Equal(t, "/bin/wc", backend.calls[0].path)
	assert.Empty(t, out.String())
	assert.Equal(t, []int{1001}, backend.waited)

	require.NotNil(t, backend.stdin)
	defer backend.stdin.Close()
	fed, err := io.ReadAll(backend.stdin)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(fed))
}

func TestExecutePipelineLastStageBuiltin(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/ls")
	backend := &fakeWaitBackend{fakeBackend: &fakeBackend{}, waitStatus: 9}
	s, out, _ := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{
		{Name: "ls"},
		{Name: "echo", Args: []string{"done"}},
	}
	status, err := s.ExecutePipeline(cmds, false)
	require.NoError(t, err)

	// The builtin's status wins and nothing waits on the external.
	assert.Equal(t, 0, status)
	assert.Equal(t, "done\n", out.String())
	assert.Empty(t, backend.waited)
}

func TestExecutePipelineBackground(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/cat")
	writeBinary(t, fsys, "/bin/grep")
	backend := &fakeWaitBackend{fakeBackend: &fakeBackend{}}
	s, _, _ := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{{Name: "cat"}, {Name: "grep", Args: []string{"x"}}}
	status, err := s.ExecutePipeline(cmds, true)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, backend.waited)
	assert.Equal(t, "1002", s.Getenv("!"))
}

func TestExecutePipelineResolutionAborts(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/cat")
	writeBinary(t, fsys, "/bin/grep")
	backend := &fakeWaitBackend{fakeBackend: &fakeBackend{}}
	s, _, errOut := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{
		{Name: "cat", Redirects: []redirect.Redirect{redirect.File(redirect.ReadFrom, 0, "/absent")}},
		{Name: "grep"},
	}
	status, err := s.ExecutePipeline(cmds, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, status)
	assert.Contains(t, errOut.String(), "/absent: no such file or directory")
	assert.Empty(t, backend.calls)
}

func TestExecutePipelineWithoutWaiterBlocksOnLast(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBinary(t, fsys, "/bin/cat")
	writeBinary(t, fsys, "/bin/grep")
	backend := &fakeBackend{statuses: map[string]int{"/bin/grep": 7}}
	s, _, _ := newTestShell(t, fsys, backend)

	cmds := []*interp.Command{{Name: "cat"}, {Name: "grep"}}
	status, err := s.ExecutePipeline(cmds, false)
	require.NoError(t, err)
	assert.Equal(t, 7, status)

	require.Len(t, backend.calls, 2)
	assert.True(t, backend.calls[0].background)
	assert.False(t, backend.calls[1].background)
}
