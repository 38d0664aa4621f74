// Package lineedit implements the interactive line editor. It is a byte at
// a time state machine over VT100-ish input: printable bytes edit a buffer,
// escape sequences move the cursor and recall history, and the editor echoes
// its own redraws so it works on any raw stream, local tty or SSH channel
// alike.
package lineedit

import (
	"errors"
	"io"
	"strings"
)

// ErrInterrupted reports that the user canceled the line being edited, for
// example with ^C. It is a distinguished outcome, not a failure.
var ErrInterrupted = errors.New("interrupted")

// ByteSource yields one input byte at a time. Implementations may return
// ErrInterrupted in place of a byte when the user cancels the line.
type ByteSource interface {
	ReadByte() (byte, error)
}

// History exposes recallable lines, oldest first.
type History interface {
	Entries() []string
}

type state int

const (
	stateNormal  state = iota
	stateEscape        // saw ESC
	stateBracket       // saw ESC [
)

// Editor edits one line at a time against a byte source.
//
// While editing, up/down arrows walk history newest to oldest; the first
// recall stashes the in-progress line so walking past the newest entry
// restores it. Page up jumps to the oldest entry, page down back to the
// stash. Insert toggles overwrite. Any other edit commits to the recalled
// text and drops the stash.
type Editor struct {
	src     ByteSource
	out     io.Writer
	history History
	echo    bool

	buf       []byte
	cursor    int
	overwrite bool

	state   state
	pending byte

	histIdx int
	stash   string
}

// New returns an Editor reading from src and echoing redraws to out.
// history may be nil.
func New(src ByteSource, out io.Writer, history History) *Editor {
	return &Editor{
		src:     src,
		out:     out,
		history: history,
		echo:    true,
		histIdx: -1,
	}
}

// SetEcho controls whether edits are echoed back. Non-interactive input
// turns echo off.
func (e *Editor) SetEcho(on bool) {
	e.echo = on
}

// ReadLine edits one line until the user accepts it with newline and returns
// it with surrounding whitespace trimmed. seed pre-fills the buffer with
// text the caller has already displayed after the prompt, cursor at the end.
//
// ErrInterrupted reports a canceled line and io.EOF an exhausted source;
// both discard the buffer.
func (e *Editor) ReadLine(seed string) (string, error) {
	e.buf = append(e.buf[:0], seed...)
	e.cursor = len(e.buf)
	e.state = stateNormal
	e.pending = 0
	e.histIdx = -1
	e.stash = ""
	e.overwrite = false

	for {
		b, err := e.src.ReadByte()
		if err != nil {
			e.buf = e.buf[:0]
			return "", err
		}
		if e.feed(b) {
			line := strings.TrimSpace(string(e.buf))
			e.buf = e.buf[:0]
			return line, nil
		}
	}
}

// feed advances the state machine by one byte and reports whether the line
// was finalized.
func (e *Editor) feed(b byte) bool {
	switch e.state {
	case stateEscape:
		if b == '[' {
			e.state = stateBracket
		} else {
			// Unhandled escape, dropped.
			e.state = stateNormal
		}
	case stateBracket:
		e.bracket(b)
	default:
		return e.normal(b)
	}
	return false
}

func (e *Editor) normal(b byte) bool {
	if b != 0x1b {
		// Any ordinary input commits to the recalled entry.
		e.histIdx = -1
	}
	switch {
	case b == '\n':
		e.emit("\n")
		e.cursor = 0
		return true
	case b == 127:
		e.backspace()
	case b == 0x1b:
		e.state = stateEscape
	case b < 0x20:
		// Other control bytes are ignored.
	default:
		e.insert(b)
	}
	return false
}

func (e *Editor) bracket(b byte) {
	if e.pending != 0 {
		seq := e.pending
		e.pending = 0
		e.state = stateNormal
		if b != '~' {
			return
		}
		switch seq {
		case '2': // insert
			e.overwrite = !e.overwrite
		case '3': // delete
			e.deleteAtCursor()
		case '5': // page up
			e.pageUp()
		case '6': // page down
			e.pageDown()
		}
		return
	}

	switch b {
	case '2', '3', '5', '6':
		// First byte of a three-byte sequence, wait for the closing ~.
		e.pending = b
		return
	case 'A':
		e.upArrow()
	case 'B':
		e.downArrow()
	case 'C':
		e.right()
	case 'D':
		e.left()
	case 'F':
		e.end()
	case 'H':
		e.home()
	}
	e.state = stateNormal
}

func (e *Editor) insert(b byte) {
	if !e.overwrite || e.cursor == len(e.buf) {
		e.buf = append(e.buf, 0)
		copy(e.buf[e.cursor+1:], e.buf[e.cursor:])
		e.buf[e.cursor] = b
	} else {
		// Overwrite replaces in place mid-line.
		e.buf[e.cursor] = b
	}
	e.emit(string(e.buf[e.cursor:]))
	e.emit(strings.Repeat("\b", len(e.buf)-e.cursor-1))
	e.cursor++
}

func (e *Editor) backspace() {
	if len(e.buf) == 0 || e.cursor == 0 {
		return
	}
	e.emit("\b")
	e.emit(strings.Repeat(" ", len(e.buf)-e.cursor+1))
	copy(e.buf[e.cursor-1:], e.buf[e.cursor:])
	e.buf = e.buf[:len(e.buf)-1]
	e.cursor--
	e.emit(strings.Repeat("\b", len(e.buf)-e.cursor+1))
	e.emit(string(e.buf[e.cursor:]))
	e.emit(strings.Repeat("\b", len(e.buf)-e.cursor))
}

func (e *Editor) deleteAtCursor() {
	if e.cursor >= len(e.buf) {
		return
	}
	e.emit(strings.Repeat(" ", len(e.buf)-e.cursor+1))
	copy(e.buf[e.cursor:], e.buf[e.cursor+1:])
	e.buf = e.buf[:len(e.buf)-1]
	e.emit(strings.Repeat("\b", len(e.buf)-e.cursor+2))
	e.emit(string(e.buf[e.cursor:]))
	e.emit(strings.Repeat("\b", len(e.buf)-e.cursor))
}

func (e *Editor) left() {
	if e.cursor > 0 {
		e.emit("\b")
		e.cursor--
	}
}

func (e *Editor) right() {
	if e.cursor < len(e.buf) {
		e.emit(string(e.buf[e.cursor : e.cursor+1]))
		e.cursor++
	}
}

func (e *Editor) home() {
	e.emit(strings.Repeat("\b", e.cursor))
	e.cursor = 0
}

func (e *Editor) end() {
	e.emit(string(e.buf[e.cursor:]))
	e.cursor = len(e.buf)
}

func (e *Editor) upArrow() {
	entries := e.entries()
	if len(entries) == 0 || e.histIdx == 0 {
		return
	}
	if e.histIdx == -1 {
		e.histIdx = len(entries) - 1
		e.stash = string(e.buf)
	} else {
		e.histIdx--
	}
	e.replaceLine(entries[e.histIdx])
}

func (e *Editor) downArrow() {
	if e.histIdx == -1 {
		return
	}
	entries := e.entries()
	if len(entries)-1 > e.histIdx {
		e.histIdx++
		e.replaceLine(entries[e.histIdx])
	} else {
		line := e.stash
		e.histIdx = -1
		e.replaceLine(line)
	}
}

func (e *Editor) pageUp() {
	entries := e.entries()
	if len(entries) == 0 || e.histIdx == 0 {
		return
	}
	if e.histIdx == -1 {
		e.stash = string(e.buf)
	}
	e.histIdx = 0
	e.replaceLine(entries[0])
}

func (e *Editor) pageDown() {
	if e.histIdx == -1 {
		return
	}
	line := e.stash
	e.histIdx = -1
	e.replaceLine(line)
}

// replaceLine erases the displayed line and swaps in s, cursor at the end.
func (e *Editor) replaceLine(s string) {
	e.clearLine()
	e.buf = append(e.buf[:0], s...)
	e.cursor = len(e.buf)
	e.emit(s)
}

// clearLine walks the cursor to the end of the line, then erases the whole
// line with backspace-space-backspace triples.
func (e *Editor) clearLine() {
	e.emit(string(e.buf[e.cursor:]))
	for range e.buf {
		e.emit("\b \b")
	}
}

func (e *Editor) entries() []string {
	if e.history == nil {
		return nil
	}
	return e.history.Entries()
}

func (e *Editor) emit(s string) {
	if !e.echo || s == "" {
		return
	}
	io.WriteString(e.out, s)
}
