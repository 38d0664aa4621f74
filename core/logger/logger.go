// Package logger is a standardized event logging framework for the shell.
//
// Events are written as newline delimited JSON envelopes. Each envelope
// carries a timestamp, an optional session id, and exactly one event field,
// so downstream consumers can filter on the field name alone.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// LogRecorder is a callback that stores events in an external datastore.
type LogRecorder func(le *LogEntry) error

// Logger captures interaction events for later analysis.
type Logger struct {
	Record LogRecorder
}

// NewJsonLinesLogRecorder creates a Logger that exports logs in newline
// delimited JSON object format.
func NewJsonLinesLogRecorder(w io.Writer) *Logger {
	return &Logger{
		Record: func(le *LogEntry) error {
			entry, err := json.Marshal(le)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(entry))
			return err
		},
	}
}

// NewNopLogRecorder creates a Logger that discards everything.
func NewNopLogRecorder() *Logger {
	return &Logger{
		Record: func(*LogEntry) error { return nil },
	}
}

// LogEntry is the envelope around a single event. Exactly one event field
// is set per entry.
type LogEntry struct {
	TimestampMicros int64  `json:"timestamp_micros"`
	SessionID       string `json:"session_id,omitempty"`

	SessionStart     *SessionStart     `json:"session_start,omitempty"`
	SessionEnd       *SessionEnd       `json:"session_end,omitempty"`
	CommandRun       *CommandRun       `json:"command_run,omitempty"`
	HistoryExpansion *HistoryExpansion `json:"history_expansion,omitempty"`
	Interrupt        *Interrupt        `json:"interrupt,omitempty"`
	SpawnFailure     *SpawnFailure     `json:"spawn_failure,omitempty"`
	TerminalResize   *TerminalResize   `json:"terminal_resize,omitempty"`
}

// Event is one recordable shell event.
type Event interface {
	attach(le *LogEntry)
}

// SessionStart records the beginning of an interactive session.
type SessionStart struct {
	User       string `json:"user,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Term       string `json:"term,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

// SessionEnd records the end of a session.
type SessionEnd struct {
	DurationMillis int64 `json:"duration_millis,omitempty"`
}

// CommandRun records one dispatched command line and its result.
type CommandRun struct {
	Line       string `json:"line"`
	ExitStatus int    `json:"exit_status"`
	Background bool   `json:"background,omitempty"`
	Pid        int    `json:"pid,omitempty"`
}

// HistoryExpansion records a line that was rewritten or rejected by history
// expansion before it could run.
type HistoryExpansion struct {
	Input    string `json:"input"`
	Expanded string `json:"expanded,omitempty"`
	NotFound string `json:"not_found,omitempty"`
}

// Interrupt records a canceled line.
type Interrupt struct{}

// SpawnFailure records a command that could not be started.
type SpawnFailure struct {
	Path  string `json:"path,omitempty"`
	Error string `json:"error"`
}

// TerminalResize records a window size change.
type TerminalResize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (e *SessionStart) attach(le *LogEntry)     { le.SessionStart = e }
func (e *SessionEnd) attach(le *LogEntry)       { le.SessionEnd = e }
func (e *CommandRun) attach(le *LogEntry)       { le.CommandRun = e }
func (e *HistoryExpansion) attach(le *LogEntry) { le.HistoryExpansion = e }
func (e *Interrupt) attach(le *LogEntry)        { le.Interrupt = e }
func (e *SpawnFailure) attach(le *LogEntry)     { le.SpawnFailure = e }
func (e *TerminalResize) attach(le *LogEntry)   { le.TerminalResize = e }

func (l *Logger) recordEvent(sessionID string, event Event) error {
	le := &LogEntry{
		TimestampMicros: time.Now().UnixMicro(),
		SessionID:       sessionID,
	}
	event.attach(le)
	return l.Record(le)
}

// NewSession creates a logger with a fresh session ID attached.
func (l *Logger) NewSession() *SessionLogger {
	return &SessionLogger{Logger: l, sessionID: uuid.NewString()}
}

// Sessionless creates a logger for events outside any session.
func (l *Logger) Sessionless() *SessionLogger {
	return &SessionLogger{Logger: l, sessionID: ""}
}

// SessionLogger logs events with a shared session ID.
type SessionLogger struct {
	*Logger
	sessionID string
}

// SessionID returns the attached session ID, empty for sessionless loggers.
func (l *SessionLogger) SessionID() string {
	return l.sessionID
}

func (l *SessionLogger) Record(event Event) error {
	return l.recordEvent(l.sessionID, event)
}
