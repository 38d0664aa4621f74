// Package spawn starts commands on behalf of the shell. Backends are
// interchangeable at composition time: the native one forks real processes,
// the hostcall one hands the request to a sandboxing host.
package spawn

import (
	"fmt"

	"github.com/marsh-shell/marsh/core/redirect"
)

// Result reports how a spawned command finished.
type Result struct {
	ExitStatus int `json:"exit_status"`
	PID        int `json:"pid"`
}

// Backend starts a command whose descriptors were already resolved into a
// table. Background spawns return immediately with a zero exit status and
// the child's pid.
type Backend interface {
	Spawn(path string, args []string, env map[string]string, background bool, table *redirect.Table) (Result, error)
}

// Waiter is implemented by backends that can collect a started command
// separately from starting it. Pipelines use this to launch every stage
// before waiting on the last one; backends without it wait inside Spawn.
type Waiter interface {
	Wait(pid int) Result
}

// StartError reports a command that could not be started at all, as opposed
// to one that started and failed.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("could not execute binary: %v", e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
