package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/lineedit"
)

func promptGlyph() string {
	if os.Getuid() == 0 {
		return "#"
	}
	return "$"
}

func TestPromptPS1(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})
	s.setenv(EnvPrompt, `[\u@\h \w]\$ `)
	s.cwd = "/home/user/src"

	assert.Equal(t, "[tester@box ~/src]"+promptGlyph()+" ", s.Prompt())
}

func TestPromptConfigTemplate(t *testing.T) {
	cfg := config.Defaults()
	cfg.PromptTemplate = `\u> `
	var out strings.Builder
	s := NewShell(Options{
		Config:  cfg,
		Fs:      afero.NewMemMapFs(),
		Input:   lineedit.NewStreamReader(strings.NewReader("")),
		Output:  &out,
		Spawner: &fakeBackend{},
		Environ: testEnviron,
	})

	assert.Equal(t, "tester> ", s.Prompt())
}

func TestPromptDefaultIsColored(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	got := s.Prompt()
	assert.Contains(t, got, "tester@box ")
	assert.Contains(t, got, "\x1b[")
	assert.Contains(t, got, "~"+promptGlyph())
}

func TestPromptHomePrefixOnly(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})
	s.setenv(EnvPrompt, `\w`)
	s.cwd = "/opt/home/user"

	// Only a leading HOME collapses to ~.
	assert.Equal(t, "/opt/home/user", s.Prompt())
}

func TestGetenvSpecials(t *testing.T) {
	var out strings.Builder
	s := NewShell(Options{
		Fs:      afero.NewMemMapFs(),
		Input:   lineedit.NewStreamReader(strings.NewReader("")),
		Output:  &out,
		Spawner: &fakeBackend{},
		Environ: testEnviron,
		Args:    []string{"marsh", "alpha", "beta"},
	})
	s.lastStatus = 7

	assert.Equal(t, "7", s.Getenv("?"))
	assert.Equal(t, "2", s.Getenv("#"))
	assert.Equal(t, "marsh", s.Getenv("0"))
	assert.Equal(t, "alpha", s.Getenv("1"))
	assert.Equal(t, "beta", s.Getenv("2"))
	assert.Equal(t, "", s.Getenv("3"))
	assert.Equal(t, "alpha beta", s.Getenv("*"))
	assert.Equal(t, "", s.Getenv("!"))
	assert.NotEmpty(t, s.Getenv("$"))
	assert.Equal(t, "tester", s.Getenv("USER"))
}

func TestInitFallbacks(t *testing.T) {
	var out strings.Builder
	s := NewShell(Options{
		Fs:      afero.NewMemMapFs(),
		Input:   lineedit.NewStreamReader(strings.NewReader("")),
		Output:  &out,
		Spawner: &fakeBackend{},
		Environ: []string{"HOME=/home/user", "PWD=/home/user"},
	})

	assert.Equal(t, "/usr/local/bin:/usr/bin:/bin", s.Getenv(EnvPath))
	assert.Equal(t, "/bin/sh", s.Getenv(EnvShell))
	assert.Equal(t, "/home/user", s.Getenv(EnvPWD))
	assert.NotEmpty(t, s.Getenv(EnvUID))
}

func TestDispatchExpansionSeedsEditor(t *testing.T) {
	s, out, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})
	require.NoError(t, s.history.Append("echo one"))

	s.dispatch("!! --more")

	// The expansion is offered back for editing, nothing runs yet.
	assert.Equal(t, "echo one --more", s.seed)
	assert.Empty(t, out.String())
	assert.Equal(t, 1, s.history.Len())
}

func TestDispatchEventNotFound(t *testing.T) {
	s, out, errOut := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	s.dispatch("!zz")

	assert.Equal(t, "!zz: event not found\n", errOut.String())
	assert.Equal(t, StatusFailure, s.lastStatus)
	assert.Empty(t, out.String())
	assert.Zero(t, s.history.Len())
}

func TestDispatchRunsAndPersists(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s, out, _ := newTestShell(t, fsys, &fakeBackend{})

	s.dispatch("echo hi")

	assert.Equal(t, "hi\n", out.String())
	assert.Equal(t, []string{"echo hi"}, s.history.Entries())

	data, err := afero.ReadFile(fsys, "/home/user/.marsh_history")
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(data))
}

func newScriptedShell(t *testing.T, input lineedit.ByteSource) (*Shell, *strings.Builder, *strings.Builder) {
	t.Helper()
	var out, errOut strings.Builder
	s := NewShell(Options{
		Fs:        afero.NewMemMapFs(),
		Input:     input,
		Output:    &out,
		ErrOutput: &errOut,
		Spawner:   &fakeBackend{},
		Environ:   testEnviron,
	})
	return s, &out, &errOut
}

func TestRunLoop(t *testing.T) {
	input := lineedit.NewStreamReader(strings.NewReader("echo one\necho two\n"))
	s, out, errOut := newScriptedShell(t, input)

	status := s.Run()

	assert.Equal(t, 0, status)
	assert.Contains(t, out.String(), "one\n")
	assert.Contains(t, out.String(), "two\n")
	assert.Empty(t, errOut.String())
	assert.Equal(t, []string{"echo one", "echo two"}, s.history.Entries())
}

func TestRunLoopInterrupt(t *testing.T) {
	// ^C cancels the line, ^D ends the session.
	input := lineedit.NewKeyReader(lineedit.NewStreamReader(strings.NewReader("\x03\x04")))
	s, _, _ := newScriptedShell(t, input)

	assert.Equal(t, StatusInterrupted, s.Run())
}

func TestRunLoopReOffersExpansion(t *testing.T) {
	input := lineedit.NewStreamReader(strings.NewReader("echo one\n!!\n\n"))
	s, out, _ := newScriptedShell(t, input)
	s.SetEcho(false)

	status := s.Run()

	assert.Equal(t, 0, status)
	// Ran once from typing, once from accepting the re-offered line; the
	// duplicate is kept out of history.
	assert.Equal(t, 2, strings.Count(out.String(), "one\n"))
	assert.Equal(t, []string{"echo one"}, s.history.Entries())
}

func TestRunLoopExit(t *testing.T) {
	input := lineedit.NewStreamReader(strings.NewReader("exit 3\necho never\n"))
	s, out, _ := newScriptedShell(t, input)
	s.SetEcho(false)

	assert.Equal(t, 3, s.Run())
	assert.NotContains(t, out.String(), "never")
}

func TestRunScriptSharesShellState(t *testing.T) {
	fsys := afero.NewMemMapFs()
	script := "GREETING=hello\necho $GREETING\n"
	require.NoError(t, afero.WriteFile(fsys, "/home/user/setup.sh", []byte(script), 0644))
	s, out, _ := newTestShell(t, fsys, &fakeBackend{})

	require.NoError(t, s.RunScript("setup.sh"))

	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, "hello", s.Getenv("GREETING"))
}

func TestRunScriptMissing(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})
	assert.Error(t, s.RunScript("/no/such/script"))
}

func TestRunSourceStopsOnUnsupported(t *testing.T) {
	s, out, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	err := s.RunSource("echo ok\nif true; then echo no; fi\necho after\n", "inline")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
	assert.Equal(t, "ok\n", out.String())
	assert.Equal(t, 1, s.lastStatus)
}

func TestRunCommandConditionals(t *testing.T) {
	s, out, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	assert.Equal(t, 0, s.RunCommand("false || echo rescued"))
	assert.Equal(t, "rescued\n", out.String())
	assert.Equal(t, 1, s.RunCommand("true && false"))
	assert.Equal(t, 0, s.RunCommand("! false"))
}

func TestRunCommandAssignment(t *testing.T) {
	s, out, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})

	assert.Equal(t, 0, s.RunCommand("X=41"))
	s.RunCommand("echo $X")
	assert.Equal(t, "41\n", out.String())
}

func TestInteractiveStartup(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/motd", []byte("welcome to marsh"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/home/user/.marshrc", []byte("echo from-rc\n"), 0644))

	var out strings.Builder
	s := NewShell(Options{
		Fs:          fsys,
		Input:       lineedit.NewStreamReader(strings.NewReader("")),
		Output:      &out,
		Spawner:     &fakeBackend{},
		Environ:     testEnviron,
		Interactive: true,
	})
	s.Run()

	assert.Contains(t, out.String(), "from-rc\n")
	assert.Contains(t, out.String(), "welcome to marsh\n")
}

func TestAttachIndexRecordsCommands(t *testing.T) {
	cfg := config.Defaults()
	cfg.HistoryIndex = true
	cfg.HistoryIndexFile = filepath.Join(t.TempDir(), "index.db")

	var out strings.Builder
	s := NewShell(Options{
		Config:  cfg,
		Fs:      afero.NewMemMapFs(),
		Input:   lineedit.NewStreamReader(strings.NewReader("")),
		Output:  &out,
		Spawner: &fakeBackend{},
		Environ: testEnviron,
	})
	require.NoError(t, s.AttachIndex())
	defer s.Close()

	s.RunCommand("echo indexed")

	recs, err := s.index.Search("indexed", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "echo indexed", recs[0].Line)
	assert.Equal(t, 0, recs[0].ExitCode)
}

func TestAttachIndexDisabledByDefault(t *testing.T) {
	s, _, _ := newTestShell(t, afero.NewMemMapFs(), &fakeBackend{})
	require.NoError(t, s.AttachIndex())
	assert.Nil(t, s.index)
	assert.NoError(t, s.Close())
}
