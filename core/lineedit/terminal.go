package lineedit

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Terminal switches a local tty in and out of raw mode. The editor needs raw
// mode so bytes arrive unbuffered and unechoed; foreground children need it
// switched back off for the duration of their run.
type Terminal struct {
	fd    int
	saved *term.State
}

// NewTerminal returns a Terminal controlling f. No mode change happens until
// Raw is called.
func NewTerminal(f *os.File) *Terminal {
	return &Terminal{fd: int(f.Fd())}
}

// Raw puts the terminal into raw mode, remembering the previous state.
// Calling Raw again without Restore is a no-op.
func (t *Terminal) Raw() error {
	if t.saved != nil {
		return nil
	}
	saved, err := term.MakeRaw(t.fd)
	if err != nil {
		return err
	}
	t.saved = saved
	return nil
}

// Restore puts the terminal back into the state captured by Raw. Safe to
// call when not raw.
func (t *Terminal) Restore() error {
	if t.saved == nil {
		return nil
	}
	saved := t.saved
	t.saved = nil
	return term.Restore(t.fd, saved)
}

var crlf = []byte("\r\n")

// CRLFWriter rewrites bare newlines as CR LF. Raw mode disables the kernel's
// output post-processing, so without this every line after the first would
// start at the previous line's end column.
type CRLFWriter struct {
	w io.Writer
}

// NewCRLFWriter wraps w with newline translation.
func NewCRLFWriter(w io.Writer) *CRLFWriter {
	return &CRLFWriter{w: w}
}

// Write translates and forwards p, reporting how many bytes of p were
// consumed.
func (c *CRLFWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			n, err := c.w.Write(p)
			return written + n, err
		}
		n, err := c.w.Write(p[:i])
		written += n
		if err != nil {
			return written, err
		}
		if _, err := c.w.Write(crlf); err != nil {
			return written, err
		}
		written++
		p = p[i+1:]
	}
	return written, nil
}
