package redirect

import "golang.org/x/sys/unix"

// FcntlProber validates descriptors against the kernel with fcntl(F_GETFD).
// It backs the native spawn path; sandboxed shells probe through their host.
type FcntlProber struct{}

var _ Prober = FcntlProber{}

func (FcntlProber) ProbeFd(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return &FdError{Fd: fd, Err: ErrBadFileDescriptor}
	}
	return nil
}
