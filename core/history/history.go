// Package history keeps the shell's command history: an in-memory log
// mirrored to an append-only file, bang-style expansion over it, and an
// optional structured index.
package history

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileName is the history file created in the user's home directory.
const FileName = ".marsh_history"

// DefaultPath places the history file in home when it is a real directory,
// falling back to the working directory.
func DefaultPath(fsys afero.Fs, home, pwd string) string {
	if home != "" {
		if ok, _ := afero.DirExists(fsys, home); ok {
			return filepath.Join(home, FileName)
		}
	}
	return filepath.Join(pwd, FileName)
}

// NewLog creates a history log persisted at path.
func NewLog(fsys afero.Fs, path string) *Log {
	return &Log{fs: fsys, path: path}
}

// Log is an append-only command history. Persistence failures disable the
// file mirror for the rest of the session; the in-memory log keeps working.
type Log struct {
	fs       afero.Fs
	path     string
	entries  []string
	disabled bool
}

// Path returns where the log persists.
func (l *Log) Path() string {
	return l.path
}

// Load reads the whole history file into memory. A missing file is a fresh
// start, not an error.
func (l *Log) Load() error {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			l.entries = append(l.entries, line)
		}
	}
	return nil
}

// Entries returns the history oldest-first. Callers must not mutate it.
func (l *Log) Entries() []string {
	return l.entries
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Last returns the most recent entry.
func (l *Log) Last() (string, bool) {
	if len(l.entries) == 0 {
		return "", false
	}
	return l.entries[len(l.entries)-1], true
}

// Append records an executed line. Empty lines and consecutive duplicates
// are skipped. The first persistence failure is returned and turns off the
// file mirror; later appends stay in memory only.
func (l *Log) Append(line string) error {
	if line == "" {
		return nil
	}
	if last, ok := l.Last(); ok && last == line {
		return nil
	}
	l.entries = append(l.entries, line)

	if l.disabled {
		return nil
	}
	f, err := l.fs.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		l.disabled = true
		return err
	}
	_, err = f.WriteString(line + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		l.disabled = true
		return err
	}
	return nil
}

// Clear drops the in-memory history. The file keeps its old contents, like
// clearing a login shell's history list.
func (l *Log) Clear() {
	l.entries = nil
}
