package history

import (
	"regexp"
	"strconv"
	"strings"
)

// Outcome classifies what expansion did to a line.
type Outcome int

const (
	// Unchanged means the line had no history references.
	Unchanged Outcome = iota
	// Expanded means references were substituted; the result goes back to
	// the editor as the new candidate line.
	Expanded
	// EventNotFound means a reference did not resolve. The line must not
	// execute and must never be persisted.
	EventNotFound
)

// A bang introduces a reference unless it directly follows '[', which keeps
// glob character classes like [!a-z] intact.
var (
	numberRef = regexp.MustCompile(`(^|[^\[])!(-?\d+)`)
	prefixRef = regexp.MustCompile(`(^|[^\[])!(\w+)`)
)

// Expand substitutes history references in input against entries
// (oldest-first): !! for the last entry, !N for 1-based position N, !-N for
// N back from the end, and !prefix for the most recent entry starting with
// prefix. References resolve left to right; the first one that does not
// resolve stops the scan and reports its token.
func Expand(input string, entries []string) (string, string, Outcome) {
	out := input

	if strings.Contains(out, "!!") {
		if len(entries) == 0 {
			return input, "!!", EventNotFound
		}
		out = strings.ReplaceAll(out, "!!", entries[len(entries)-1])
	}

	out, token, ok := expandRefs(out, numberRef, func(text string) (string, bool) {
		n, err := strconv.Atoi(text)
		if err != nil {
			return "", false
		}
		return entryAt(entries, n)
	})
	if !ok {
		return input, token, EventNotFound
	}

	out, token, ok = expandRefs(out, prefixRef, func(text string) (string, bool) {
		return lastWithPrefix(entries, text)
	})
	if !ok {
		return input, token, EventNotFound
	}

	if out != input {
		return out, "", Expanded
	}
	return input, "", Unchanged
}

// expandRefs substitutes every match of re left to right. The lookup
// receives the reference text without the bang; failure returns the
// offending token. Substituted text is not rescanned.
func expandRefs(s string, re *regexp.Regexp, lookup func(string) (string, bool)) (string, string, bool) {
	start := 0
	for {
		m := re.FindStringSubmatchIndex(s[start:])
		if m == nil {
			return s, "", true
		}
		// Group 1 is the guard character, group 2 the reference text. Only
		// the bang and reference are replaced.
		bang := start + m[3]
		end := start + m[1]
		text := s[start+m[4] : start+m[5]]

		entry, ok := lookup(text)
		if !ok {
			return s, "!" + text, false
		}
		s = s[:bang] + entry + s[end:]
		start = bang + len(entry)
	}
}

// entryAt resolves a numeric reference: positive N is 1-based from the
// start, negative N counts back from the end.
func entryAt(entries []string, n int) (string, bool) {
	switch {
	case n > 0 && n <= len(entries):
		return entries[n-1], true
	case n < 0 && len(entries)+n >= 0:
		return entries[len(entries)+n], true
	default:
		return "", false
	}
}

// lastWithPrefix resolves a prefix reference against the most recent match.
func lastWithPrefix(entries []string, prefix string) (string, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if strings.HasPrefix(entries[i], prefix) {
			return entries[i], true
		}
	}
	return "", false
}
