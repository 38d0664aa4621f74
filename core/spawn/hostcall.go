package spawn

import "github.com/marsh-shell/marsh/core/redirect"

// Host is the capability surface a sandboxed shell receives from its
// runtime. Spawning is a single mediated call: the host applies the
// redirects, runs the command, and waits on its side of the boundary.
// Descriptor probing goes through the host as well, so the embedded
// Prober serves the resolver directly.
type Host interface {
	Spawn(req HostRequest) (Result, error)
	redirect.Prober
}

// HostRequest carries everything the host needs to start a command.
type HostRequest struct {
	Path       string              `json:"path"`
	Args       []string            `json:"args,omitempty"`
	Env        map[string]string   `json:"env,omitempty"`
	Background bool                `json:"background,omitempty"`
	Redirects  []redirect.Redirect `json:"redirects,omitempty"`
}

// NewHostBackend wraps a host capability as a spawn backend.
func NewHostBackend(host Host) *HostBackend {
	return &HostBackend{host: host}
}

// HostBackend forwards every spawn to the sandboxing host.
type HostBackend struct {
	host Host
}

var _ Backend = (*HostBackend)(nil)

// Spawn implements Backend. The redirect requests travel in resolution
// order; the host replays them against its own descriptor table.
func (b *HostBackend) Spawn(path string, args []string, env map[string]string, background bool, table *redirect.Table) (Result, error) {
	res, err := b.host.Spawn(HostRequest{
		Path:       path,
		Args:       args,
		Env:        env,
		Background: background,
		Redirects:  table.Requests(),
	})
	if err != nil {
		return Result{}, &StartError{Err: err}
	}
	return res, nil
}

// Prober exposes the host's descriptor validation for the resolver.
func (b *HostBackend) Prober() redirect.Prober {
	return b.host
}
