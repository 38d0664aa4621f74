package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/marsh-shell/marsh/core/redirect"
)

// StdioFunc supplies the base standard streams for one spawn plus a release
// callback. The backend calls release once the command no longer needs the
// streams: after the child exits for foreground spawns, right after the
// start for background ones. background lets the supplier decide whether
// release may block to drain the streams.
type StdioFunc func(background bool) (redirect.Stdio, func(), error)

// NativeBackend spawns real operating system processes.
type NativeBackend struct {
	// Stdio supplies per-spawn base streams. nil uses the shell's own.
	Stdio StdioFunc
}

var _ Backend = (*NativeBackend)(nil)

// Spawn implements Backend. The committed descriptor table is handed to the
// kernel via os.StartProcess; the parent's copies of opened descriptors are
// closed as soon as the child holds its own.
func (b *NativeBackend) Spawn(path string, args []string, env map[string]string, background bool, table *redirect.Table) (Result, error) {
	stdio := redirect.OwnStdio()
	release := func() {}
	if b.Stdio != nil {
		var err error
		stdio, release, err = b.Stdio(background)
		if err != nil {
			return Result{}, &StartError{Err: err}
		}
	}

	files, cleanup, err := redirect.Commit(table, stdio)
	if err != nil {
		release()
		return Result{}, &StartError{Err: err}
	}

	proc, err := os.StartProcess(path, argv(path, args), &os.ProcAttr{
		Env:   mergeEnviron(os.Environ(), env),
		Files: files,
	})
	cleanup()
	if err != nil {
		release()
		return Result{}, &StartError{Err: err}
	}

	pid := proc.Pid
	proc.Release()

	if background {
		release()
		return Result{ExitStatus: 0, PID: pid}, nil
	}

	status := waitForChild(pid)
	release()
	return Result{ExitStatus: status, PID: pid}, nil
}

var _ Waiter = (*NativeBackend)(nil)

// Wait implements Waiter by blocking until the given child exits.
func (b *NativeBackend) Wait(pid int) Result {
	return Result{ExitStatus: waitForChild(pid), PID: pid}
}

// argv builds the child argument vector: commands see their basename as
// argv[0].
func argv(path string, args []string) []string {
	return append([]string{filepath.Base(path)}, args...)
}

// mergeEnviron layers the overlay over the ambient environment. Overlay
// entries win; the result is sorted so child environments are
// deterministic.
func mergeEnviron(ambient []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(ambient)+len(overlay))
	for _, kv := range ambient {
		split := strings.SplitN(kv, "=", 2)
		key, value := split[0], ""
		if len(split) > 1 {
			value = split[1]
		}
		merged[key] = value
	}
	for k, v := range overlay {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// waitForChild blocks until the tracked child exits. Other children that
// finish in the meantime (earlier pipeline stages, background jobs) are
// reaped and discarded. A wait failure at the OS level leaves the shell
// without a consistent view of its children and is unrecoverable.
func waitForChild(pid int) int {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			panic(fmt.Sprintf("wait4: %v", err))
		}
		if wpid != pid {
			continue
		}
		switch {
		case ws.Exited():
			return ws.ExitStatus()
		case ws.Signaled():
			return 128 + int(ws.Signal())
		}
	}
}
