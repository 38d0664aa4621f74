// Package redirect models descriptor redirections and resolves them into a
// descriptor table before any process is spawned.
package redirect

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// Kind enumerates the redirection forms a command may request.
type Kind int

const (
	// ReadFrom opens Path for reading on slot Fd.
	ReadFrom Kind = iota
	// WriteTo creates or truncates Path for writing on slot Fd.
	WriteTo
	// AppendTo creates or appends to Path for writing on slot Fd.
	AppendTo
	// ReadWrite opens Path for reading and writing on slot Fd.
	ReadWrite
	// PipeIn attaches the existing pipe descriptor Fd to slot 0.
	PipeIn
	// PipeOut attaches the existing pipe descriptor Fd to slot 1.
	PipeOut
	// Duplicate makes slot Fd refer to whatever slot Src refers to.
	Duplicate
	// CloseFd closes slot Fd in the child.
	CloseFd
)

func (k Kind) String() string {
	switch k {
	case ReadFrom:
		return "read"
	case WriteTo:
		return "write"
	case AppendTo:
		return "append"
	case ReadWrite:
		return "readwrite"
	case PipeIn:
		return "pipe-in"
	case PipeOut:
		return "pipe-out"
	case Duplicate:
		return "duplicate"
	case CloseFd:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Redirect is a single descriptor change requested by a command.
//
// File kinds use Fd and Path. Pipe kinds use Fd as the live pipe descriptor.
// Duplicate uses Fd as the slot being changed and Src as the slot it should
// mirror. CloseFd uses only Fd.
type Redirect struct {
	Kind Kind   `json:"kind"`
	Fd   int    `json:"fd"`
	Path string `json:"path,omitempty"`
	Src  int    `json:"src,omitempty"`
}

// File builds a file-backed redirect for the given slot.
func File(kind Kind, fd int, path string) Redirect {
	return Redirect{Kind: kind, Fd: fd, Path: path}
}

// Pipe builds a pipe-endpoint redirect around a live pipe descriptor.
func Pipe(kind Kind, pipeFd int) Redirect {
	return Redirect{Kind: kind, Fd: pipeFd}
}

// Dup builds a redirect making slot dst mirror slot src.
func Dup(dst, src int) Redirect {
	return Redirect{Kind: Duplicate, Fd: dst, Src: src}
}

// Close builds a redirect closing the given slot.
func Close(fd int) Redirect {
	return Redirect{Kind: CloseFd, Fd: fd}
}

// Slot returns the descriptor slot this redirect changes. Pipe endpoints
// always claim the standard input and output slots.
func (r Redirect) Slot() int {
	switch r.Kind {
	case PipeIn:
		return 0
	case PipeOut:
		return 1
	default:
		return r.Fd
	}
}

// Errors reported while resolving redirect requests.
var (
	ErrBadFileDescriptor = errors.New("bad file descriptor")
	ErrIsDirectory       = errors.New("is a directory")
	ErrNotFound          = errors.New("no such file or directory")
)

// FdError is a resolution failure tied to a descriptor number.
type FdError struct {
	Fd  int
	Err error
}

func (e *FdError) Error() string {
	return fmt.Sprintf("%d: %v", e.Fd, e.Err)
}

func (e *FdError) Unwrap() error {
	return e.Err
}

// TargetError is a resolution failure tied to a redirect target path.
type TargetError struct {
	Path string
	Err  error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// State describes what a descriptor slot will hold when the command starts.
type State int

const (
	// Inherited slots pass through an already open descriptor.
	Inherited State = iota
	// Pending slots get a redirect applied at commit time.
	Pending
	// Closed slots are closed in the child.
	Closed
)

// Slot is the resolved fate of one descriptor.
//
// Pending slots share their Redirect pointer when a Duplicate request chains
// off another redirect, so committing opens the target exactly once.
type Slot struct {
	State    State
	From     int       // live descriptor backing an Inherited slot
	Redirect *Redirect // redirect applied to a Pending slot
}

// Prober reports whether a descriptor outside the table refers to an open
// file. The native implementation asks the kernel, the sandboxed one asks
// the host.
type Prober interface {
	ProbeFd(fd int) error
}

// Observer is told when resolution leaves the standard output or standard
// error slot pointing somewhere new.
type Observer interface {
	ObserveRedirect(fd int, r *Redirect)
}

// Table is the resolved descriptor table for a single command.
type Table struct {
	slots    map[int]Slot
	requests []Redirect
	maxFd    int
}

// Requests returns the redirect requests in resolution order, as carried to
// host-mediated spawns.
func (t *Table) Requests() []Redirect {
	return t.requests
}

// MaxFd returns the highest slot the table touches, at least 2.
func (t *Table) MaxFd() int {
	if t.maxFd < 2 {
		return 2
	}
	return t.maxFd
}

// Slot returns the state of a descriptor slot. Slots 0-2 default to
// Inherited; higher untouched slots report ok=false.
func (t *Table) Slot(fd int) (Slot, bool) {
	if s, ok := t.slots[fd]; ok {
		return s, true
	}
	if fd >= 0 && fd <= 2 {
		return Slot{State: Inherited, From: fd}, true
	}
	return Slot{}, false
}

func (t *Table) set(fd int, s Slot) {
	t.slots[fd] = s
	if fd > t.maxFd {
		t.maxFd = fd
	}
}

// notify reports changes to the standard output and error slots. Pending
// slots report their resolved redirect (shared across duplicates), inherited
// duplicates and closes report the request itself.
func notify(obs Observer, fd int, r *Redirect) {
	if obs != nil && (fd == 1 || fd == 2) {
		obs.ObserveRedirect(fd, r)
	}
}

// Resolve walks the requests and produces the descriptor table the command
// will start with. Pipe endpoints are processed before fd-level requests so
// later redirects resolve against the slots they claimed. No descriptor is
// touched; the first failure aborts with nothing to undo.
//
// Existence and directory checks go through fsys. Descriptors referenced by
// Duplicate that the table does not track are validated with prober. Slots 1
// and 2 report their final redirect to obs when it is non-nil.
func Resolve(requests []Redirect, prober Prober, fsys afero.Fs, obs Observer) (*Table, error) {
	t := &Table{
		slots:    make(map[int]Slot),
		requests: requests,
	}

	for i := range requests {
		r := &requests[i]
		if r.Kind == PipeIn || r.Kind == PipeOut {
			t.set(r.Slot(), Slot{State: Pending, Redirect: r})
			notify(obs, r.Slot(), r)
		}
	}

	for i := range requests {
		r := &requests[i]
		switch r.Kind {
		case PipeIn, PipeOut:
			// Claimed above.

		case ReadFrom:
			ok, err := afero.Exists(fsys, r.Path)
			if err != nil || !ok {
				return nil, &TargetError{Path: r.Path, Err: ErrNotFound}
			}
			t.set(r.Fd, Slot{State: Pending, Redirect: r})
			notify(obs, r.Fd, r)

		case WriteTo, AppendTo, ReadWrite:
			if isDir, err := afero.IsDir(fsys, r.Path); err == nil && isDir {
				return nil, &TargetError{Path: r.Path, Err: ErrIsDirectory}
			}
			t.set(r.Fd, Slot{State: Pending, Redirect: r})
			notify(obs, r.Fd, r)

		case Duplicate:
			src, tracked := t.slots[r.Src]
			switch {
			case tracked && src.State == Pending:
				// The duplicate rides on the source's redirect rather
				// than getting a fresh one.
				t.set(r.Fd, Slot{State: Pending, Redirect: src.Redirect})
				notify(obs, r.Fd, src.Redirect)
			case tracked && src.State == Inherited:
				t.set(r.Fd, Slot{State: Inherited, From: src.From})
				notify(obs, r.Fd, r)
			case tracked: // Closed
				return nil, &FdError{Fd: r.Src, Err: ErrBadFileDescriptor}
			case r.Src >= 0 && r.Src <= 2:
				t.set(r.Fd, Slot{State: Inherited, From: r.Src})
				notify(obs, r.Fd, r)
			default:
				if err := prober.ProbeFd(r.Src); err != nil {
					return nil, &FdError{Fd: r.Src, Err: ErrBadFileDescriptor}
				}
				t.set(r.Fd, Slot{State: Inherited, From: r.Src})
				notify(obs, r.Fd, r)
			}

		case CloseFd:
			cur, tracked := t.slots[r.Fd]
			switch {
			case tracked && cur.State == Closed:
				return nil, &FdError{Fd: r.Fd, Err: ErrBadFileDescriptor}
			case !tracked && r.Fd > 2:
				if err := prober.ProbeFd(r.Fd); err != nil {
					return nil, &FdError{Fd: r.Fd, Err: ErrBadFileDescriptor}
				}
			}
			t.set(r.Fd, Slot{State: Closed})
			notify(obs, r.Fd, r)

		default:
			return nil, fmt.Errorf("unknown redirect kind %v", r.Kind)
		}
	}

	return t, nil
}
