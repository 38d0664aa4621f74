package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ReadJSONLinesLog parses a newline delimited JSON log.
func ReadJSONLinesLog(r io.Reader, handler func(le *LogEntry)) error {
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var logEntry LogEntry
		if err := decoder.Decode(&logEntry); err != nil {
			return err
		}
		handler(&logEntry)
	}
	return nil
}

// Report holds statistics about the logged events.
type Report struct {
	LogEntries     int        `json:"log_entries"`
	InvalidEntries StrCounter `json:"unknown_log_entries,omitempty"`

	Session      SessionReport      `json:"session_report"`
	Command      CommandReport      `json:"command_report"`
	Expansion    ExpansionReport    `json:"expansion_report"`
	SpawnFailure SpawnFailureReport `json:"spawn_failure_report"`
	Interrupts   int                `json:"interrupts"`
}

func (r *Report) Update(le *LogEntry) {
	r.LogEntries++

	switch {
	case le.SessionStart != nil:
		r.Session.update(le.SessionStart)
	case le.CommandRun != nil:
		r.Command.update(le.CommandRun)
	case le.HistoryExpansion != nil:
		r.Expansion.update(le.HistoryExpansion)
	case le.SpawnFailure != nil:
		r.SpawnFailure.update(le.SpawnFailure)
	case le.Interrupt != nil:
		r.Interrupts++
	case le.SessionEnd != nil, le.TerminalResize != nil:
		// Ignore
	default:
		r.InvalidEntries.Increment("empty envelope")
	}
}

type SessionReport struct {
	// List of usernames and their counts.
	Usernames StrCounter `json:"usernames"`
	// List of remote addresses and their counts.
	RemoteAddrs StrCounter `json:"remote_addrs"`
	// List of terminal names and their counts.
	Terms StrCounter `json:"terms"`
}

func (r *SessionReport) update(ss *SessionStart) {
	r.Usernames.Increment(ss.User)
	r.RemoteAddrs.Increment(ss.RemoteAddr)
	r.Terms.Increment(ss.Term)
}

type CommandReport struct {
	// Name of the command, the first word of the line.
	CommandNames StrCounter `json:"command_names"`
	// Exit statuses across every run.
	ExitStatuses StrCounter `json:"exit_statuses"`
}

func (r *CommandReport) update(cr *CommandRun) {
	if fields := strings.Fields(cr.Line); len(fields) > 0 {
		r.CommandNames.Increment(fields[0])
	}
	r.ExitStatuses.Increment(fmt.Sprintf("%d", cr.ExitStatus))
}

type ExpansionReport struct {
	// References that did not resolve.
	NotFound StrCounter `json:"not_found"`
}

func (r *ExpansionReport) update(he *HistoryExpansion) {
	if he.NotFound != "" {
		r.NotFound.Increment(he.NotFound)
	}
}

type SpawnFailureReport struct {
	Failures *PathCounter `json:"failures"`
}

func (r *SpawnFailureReport) update(sf *SpawnFailure) {
	if r.Failures == nil {
		r.Failures = NewPathCounter("path", "error")
	}
	r.Failures.Increment(sf.Path, sf.Error)
}

// InteractionReport groups events back into the sessions they came from.
type InteractionReport struct {
	// Map of sessionID -> interactions
	interactions map[string]*InteractiveSession
}

type InteractiveSession struct {
	User           string   `json:"user,omitempty"`
	RemoteAddr     string   `json:"remote_addr,omitempty"`
	Term           string   `json:"term,omitempty"`
	LogEntries     int      `json:"log_entries"`
	Commands       []string `json:"commands,omitempty"`
	Interrupts     int      `json:"interrupts,omitempty"`
	DurationMillis int64    `json:"duration_millis,omitempty"`
}

func (i *InteractiveSession) Update(le *LogEntry) {
	i.LogEntries++

	switch {
	case le.SessionStart != nil:
		i.User = le.SessionStart.User
		i.RemoteAddr = le.SessionStart.RemoteAddr
		i.Term = le.SessionStart.Term
	case le.CommandRun != nil:
		i.Commands = append(i.Commands, le.CommandRun.Line)
	case le.Interrupt != nil:
		i.Interrupts++
	case le.SessionEnd != nil:
		i.DurationMillis = le.SessionEnd.DurationMillis
	}
}

func (i *InteractionReport) init() {
	if i.interactions == nil {
		i.interactions = make(map[string]*InteractiveSession)
	}
}

// MarshalJSON implements custom JSON marshaler.
func (i *InteractionReport) MarshalJSON() ([]byte, error) {
	i.init()

	return json.Marshal(i.interactions)
}

func (i *InteractionReport) Update(le *LogEntry) {
	i.init()

	if le.SessionID == "" {
		return
	}
	session, ok := i.interactions[le.SessionID]
	if !ok {
		session = &InteractiveSession{}
		i.interactions[le.SessionID] = session
	}

	session.Update(le)
}

// StrCounter counts the number of strings seen.
type StrCounter struct {
	internal map[string]int
}

// Increment adds one to the given key.
func (s *StrCounter) Increment(toAdd string) {
	if s.internal == nil {
		s.internal = make(map[string]int)
	}

	s.internal[toAdd]++
}

// MarshalJSON implements custom JSON marshaler.
func (s StrCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.internal)
}

func NewPathCounter(cols ...string) *PathCounter {
	return &PathCounter{
		cols:     cols,
		internal: make(map[string]int),
	}
}

// PathCounter counts tuples of strings, reporting them sorted by count.
type PathCounter struct {
	cols     []string
	internal map[string]int
}

// Increment adds one to the given tuple.
func (ctr *PathCounter) Increment(toAdd ...string) {
	if len(toAdd) != len(ctr.cols) {
		panic("wrong number of columns to add")
	}

	ctr.internal[toKey(toAdd...)]++
}

// MarshalJSON implements custom JSON marshaler.
func (ctr *PathCounter) MarshalJSON() ([]byte, error) {
	type Count struct {
		Count  int               `json:"count"`
		Fields map[string]string `json:"event"`
		Path   string            `json:"-"`
	}

	var out []Count
	for k, v := range ctr.internal {
		count := Count{
			Count:  v,
			Path:   k,
			Fields: make(map[string]string),
		}

		splitPath := fromKey(k)
		for colNum, colVal := range ctr.cols {
			count.Fields[colVal] = splitPath[colNum]
		}

		out = append(out, count)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Path < out[j].Path
		}
		return out[i].Count > out[j].Count
	})

	return json.Marshal(out)
}

func toKey(vals ...string) string {
	key, _ := json.Marshal(vals)
	return string(key)
}

func fromKey(key string) (out []string) {
	json.Unmarshal([]byte(key), &out)
	return
}
