package redirect

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Stdio supplies the base standard streams a spawned command inherits when
// its slots are untouched.
type Stdio struct {
	In, Out, Err *os.File
}

// OwnStdio is the shell process's own standard streams.
func OwnStdio() Stdio {
	return Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

func (s Stdio) file(fd int) *os.File {
	switch fd {
	case 0:
		return s.In
	case 1:
		return s.Out
	case 2:
		return s.Err
	default:
		return nil
	}
}

// OpenFlags returns the os.OpenFile flags a file-backed redirect kind
// implies.
func OpenFlags(k Kind) int {
	switch k {
	case ReadFrom:
		return os.O_RDONLY
	case WriteTo:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case AppendTo:
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case ReadWrite:
		return os.O_RDWR | os.O_CREATE
	default:
		return os.O_RDONLY
	}
}

// Commit materializes a resolved table as the descriptor list handed to
// os.StartProcess: index i becomes child descriptor i and a nil entry means
// the slot is closed.
//
// File-backed redirects open here, once per distinct redirect even when
// duplicate slots share it, so the duplicated slots end up sharing a single
// open file description. Pipe endpoints and inherited descriptors outside
// the standard triple are duplicated so the returned files own their
// lifetime. cleanup closes every descriptor Commit created; on error the
// partial set is closed before returning.
func Commit(t *Table, stdio Stdio) (files []*os.File, cleanup func(), err error) {
	opened := make(map[*Redirect]*os.File)
	var owned []*os.File

	closeOwned := func() {
		for _, f := range owned {
			f.Close()
		}
	}

	dupFd := func(fd int) (*os.File, error) {
		nfd, err := unix.Dup(fd)
		if err != nil {
			return nil, &FdError{Fd: fd, Err: ErrBadFileDescriptor}
		}
		f := os.NewFile(uintptr(nfd), fmt.Sprintf("fd/%d", fd))
		owned = append(owned, f)
		return f, nil
	}

	files = make([]*os.File, t.MaxFd()+1)
	for fd := range files {
		slot, tracked := t.Slot(fd)
		if !tracked {
			continue // untouched high slot, closed in the child
		}

		switch slot.State {
		case Closed:
			// nil entry

		case Inherited:
			if f := stdio.file(slot.From); f != nil {
				files[fd] = f
				continue
			}
			f, err := dupFd(slot.From)
			if err != nil {
				closeOwned()
				return nil, nil, err
			}
			files[fd] = f

		case Pending:
			r := slot.Redirect
			if f, ok := opened[r]; ok {
				files[fd] = f
				continue
			}

			var f *os.File
			switch r.Kind {
			case PipeIn, PipeOut:
				var err error
				f, err = dupFd(r.Fd)
				if err != nil {
					closeOwned()
					return nil, nil, err
				}
			default:
				var err error
				f, err = os.OpenFile(r.Path, OpenFlags(r.Kind), 0644)
				if err != nil {
					closeOwned()
					return nil, nil, err
				}
				owned = append(owned, f)
			}

			opened[r] = f
			files[fd] = f
		}
	}

	return files, closeOwned, nil
}
