// Package spawntest provides scripted spawn fakes for exercising the shell
// without starting real processes.
package spawntest

import (
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
)

// FakeHost records host spawn requests and replays scripted results.
type FakeHost struct {
	Requests []spawn.HostRequest
	// Results are consumed one per call; when exhausted the zero Result is
	// returned.
	Results []spawn.Result
	// Err, when set, fails every spawn.
	Err error
	// ValidFds lists descriptors ProbeFd accepts.
	ValidFds map[int]bool
}

var _ spawn.Host = (*FakeHost)(nil)

func (h *FakeHost) Spawn(req spawn.HostRequest) (spawn.Result, error) {
	h.Requests = append(h.Requests, req)
	if h.Err != nil {
		return spawn.Result{}, h.Err
	}
	if len(h.Results) == 0 {
		return spawn.Result{}, nil
	}
	res := h.Results[0]
	h.Results = h.Results[1:]
	return res, nil
}

func (h *FakeHost) ProbeFd(fd int) error {
	if h.ValidFds[fd] {
		return nil
	}
	return &redirect.FdError{Fd: fd, Err: redirect.ErrBadFileDescriptor}
}

// Call is one recorded backend invocation.
type Call struct {
	Path       string
	Args       []string
	Env        map[string]string
	Background bool
	Table      *redirect.Table
}

// FakeBackend records backend calls and replays scripted results, for
// dispatcher tests that never leave the process.
type FakeBackend struct {
	Calls   []Call
	Results []spawn.Result
	Err     error
}

var _ spawn.Backend = (*FakeBackend)(nil)

func (b *FakeBackend) Spawn(path string, args []string, env map[string]string, background bool, table *redirect.Table) (spawn.Result, error) {
	b.Calls = append(b.Calls, Call{
		Path:       path,
		Args:       args,
		Env:        env,
		Background: background,
		Table:      table,
	})
	if b.Err != nil {
		return spawn.Result{}, b.Err
	}
	if len(b.Results) == 0 {
		return spawn.Result{}, nil
	}
	res := b.Results[0]
	b.Results = b.Results[1:]
	return res, nil
}
