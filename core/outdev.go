package core

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/marsh-shell/marsh/core/redirect"
)

// Device is the output boundary between in-process writers and the
// terminal. Builtins and dispatcher diagnostics write here instead of the
// process streams; the writes buffer until Flush so a command's redirects
// apply to them the same way they would to a spawned program.
//
// The resolver reports which standard slots ended up redirected via the
// Observer interface. Flush then routes each buffer to the terminal, to a
// file opened per the redirect kind, or to nothing for closed slots.
type Device struct {
	fsys   afero.Fs
	out    io.Writer
	errOut io.Writer

	redirected map[int]*redirect.Redirect
	bufs       map[int]*bytes.Buffer
}

// NewDevice builds a device whose unredirected output lands on out and
// errOut. Files named by redirects open through fsys at flush time.
func NewDevice(fsys afero.Fs, out, errOut io.Writer) *Device {
	return &Device{
		fsys:       fsys,
		out:        out,
		errOut:     errOut,
		redirected: make(map[int]*redirect.Redirect),
		bufs:       map[int]*bytes.Buffer{1: {}, 2: {}},
	}
}

var _ redirect.Observer = (*Device)(nil)

// ObserveRedirect implements redirect.Observer. Later observations for the
// same slot win, matching resolution order.
func (d *Device) ObserveRedirect(fd int, r *redirect.Redirect) {
	d.redirected[fd] = r
}

// Out returns the buffered standard output slot.
func (d *Device) Out() io.Writer {
	return slotWriter{d, 1}
}

// Err returns the buffered standard error slot.
func (d *Device) Err() io.Writer {
	return slotWriter{d, 2}
}

// Printf buffers a formatted write on the standard output slot.
func (d *Device) Printf(format string, args ...interface{}) {
	fmt.Fprintf(d.Out(), format, args...)
}

// Println buffers a line on the standard output slot.
func (d *Device) Println(args ...interface{}) {
	fmt.Fprintln(d.Out(), args...)
}

// Eprintf buffers a formatted write on the standard error slot.
func (d *Device) Eprintf(format string, args ...interface{}) {
	fmt.Fprintf(d.Err(), format, args...)
}

// Eprintln buffers a line on the standard error slot.
func (d *Device) Eprintln(args ...interface{}) {
	fmt.Fprintln(d.Err(), args...)
}

// Flush routes the buffered slots to their destinations, standard output
// first. A redirect shared by both slots opens once and receives both
// buffers in that order. Files open only when their slot has bytes to
// carry; spawned commands open their own targets at commit time.
func (d *Device) Flush() error {
	files := make(map[*redirect.Redirect]afero.File)
	var firstErr error

	for _, fd := range []int{1, 2} {
		buf := d.bufs[fd]
		if buf.Len() == 0 {
			continue
		}
		w, err := d.dest(fd, files)
		if err == nil && w != nil {
			_, err = w.Write(buf.Bytes())
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		buf.Reset()
	}

	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dest resolves the writer a slot's buffer lands on. nil discards.
func (d *Device) dest(fd int, files map[*redirect.Redirect]afero.File) (io.Writer, error) {
	r := d.redirected[fd]
	if r == nil {
		return d.base(fd), nil
	}

	switch r.Kind {
	case redirect.WriteTo, redirect.AppendTo, redirect.ReadWrite:
		if f, ok := files[r]; ok {
			return f, nil
		}
		f, err := d.fsys.OpenFile(r.Path, redirect.OpenFlags(r.Kind), 0644)
		if err != nil {
			return nil, err
		}
		files[r] = f
		return f, nil

	case redirect.ReadFrom:
		// An output slot opened for reading swallows writes.
		return nil, nil

	case redirect.Duplicate:
		// Only duplicates of inherited descriptors reach the observer;
		// duplicates of other redirects share the source's entry.
		return d.base(r.Src), nil

	case redirect.CloseFd:
		return nil, nil

	default:
		// Pipe endpoints: the caller already pointed out at the pipe.
		return d.base(fd), nil
	}
}

func (d *Device) base(fd int) io.Writer {
	if fd == 2 {
		return d.errOut
	}
	return d.out
}

type slotWriter struct {
	d  *Device
	fd int
}

func (w slotWriter) Write(p []byte) (int, error) {
	return w.d.bufs[w.fd].Write(p)
}
