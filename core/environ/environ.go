// Package environ holds the shell's variable overlay: local variables
// layered over the exported set handed to spawned commands. Exporting marks
// names in the overlay and never mutates the process environment.
package environ

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// New creates an empty overlay.
func New() *Env {
	return &Env{}
}

// NewFromEnviron creates an overlay seeded from a "KEY=VALUE" list, such as
// os.Environ(). Seeded variables are exported, they came from outside.
func NewFromEnviron(environ []string) *Env {
	out := &Env{}
	for _, e := range environ {
		split := strings.SplitN(e, "=", 2)
		key, value := split[0], ""
		if len(split) > 1 {
			value = split[1]
		}
		out.Set(key, value)
		out.Export(key)
	}
	return out
}

// Env is a thread-safe variable overlay.
type Env struct {
	rw       sync.RWMutex
	vars     map[string]string
	exported map[string]bool
}

// Set assigns a local variable without changing its export flag.
func (e *Env) Set(key, value string) {
	e.rw.Lock()
	defer e.rw.Unlock()
	if e.vars == nil {
		e.vars = make(map[string]string)
	}
	e.vars[key] = value
}

// Unset removes a variable and its export flag.
func (e *Env) Unset(key string) {
	e.rw.Lock()
	defer e.rw.Unlock()
	if e.vars != nil {
		delete(e.vars, key)
	}
	if e.exported != nil {
		delete(e.exported, key)
	}
}

// Lookup reports a variable and whether it is set.
func (e *Env) Lookup(key string) (string, bool) {
	e.rw.RLock()
	defer e.rw.RUnlock()
	val, ok := e.vars[key]
	return val, ok
}

// Get returns a variable's value or the empty string.
func (e *Env) Get(key string) string {
	val, _ := e.Lookup(key)
	return val
}

// Export marks a variable for inclusion in spawned command environments.
func (e *Env) Export(key string) {
	e.rw.Lock()
	defer e.rw.Unlock()
	if e.exported == nil {
		e.exported = make(map[string]bool)
	}
	e.exported[key] = true
}

// IsExported reports whether the variable is part of the spawn overlay.
func (e *Env) IsExported(key string) bool {
	e.rw.RLock()
	defer e.rw.RUnlock()
	return e.exported[key]
}

// Exported snapshots the exported variables as the overlay map a spawn
// backend applies over the ambient environment.
func (e *Env) Exported() map[string]string {
	e.rw.RLock()
	defer e.rw.RUnlock()
	out := make(map[string]string, len(e.exported))
	for key := range e.exported {
		if val, ok := e.vars[key]; ok {
			out[key] = val
		}
	}
	return out
}

// Names returns all variable names in sorted order.
func (e *Env) Names() []string {
	e.rw.RLock()
	defer e.rw.RUnlock()
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Environ renders every variable as "KEY=VALUE" in sorted order.
func (e *Env) Environ() []string {
	e.rw.RLock()
	defer e.rw.RUnlock()
	var env []string
	for k, v := range e.vars {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// Expand substitutes $var and ${var} references in s.
func (e *Env) Expand(s string) string {
	return os.Expand(s, e.Get)
}
