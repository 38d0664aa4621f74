// Package ttylog records and replays terminal sessions. Recordings are
// streams of timestamped I/O events; sources and sinks convert between the
// stream and on-disk formats, so a session recorded in one format can be
// replayed or re-encoded into another.
package ttylog

import (
	"io"
	"log"
	"regexp"
	"sync"
	"time"
)

// FD identifies which stream an event belongs to.
type FD int32

const (
	Stdin  FD = 0
	Stdout FD = 1
	Stderr FD = 2
)

// Entry is one recorded terminal event: a chunk of traffic on a stream, or
// the stream closing.
type Entry struct {
	TimestampMicros int64
	Fd              FD
	// Data carries the traffic. Close entries have none.
	Data  []byte
	Close bool
}

var crlf = regexp.MustCompile(`\r?\n`)

// LogSink receives log events.
type LogSink func(e *Entry) error

// LogSource adapts log readers.
type LogSource interface {
	// Next fetches the next available log entry. It returns io.EOF if the
	// source has no more log entries.
	Next() (*Entry, error)
}

// NewRealTimePlayback plays back the results in real-time.
// If maxSleep > 0, it's used as the maximum duration to pause.
func NewRealTimePlayback(maxSleep time.Duration, next LogSink) LogSink {
	var once sync.Once
	var prevTimeMicros int64

	return func(entry *Entry) error {
		once.Do(func() {
			prevTimeMicros = entry.TimestampMicros
		})

		delta := entry.TimestampMicros - prevTimeMicros
		prevTimeMicros = entry.TimestampMicros

		if maxSleep > 0 {
			sleepDuration := time.Duration(delta) * time.Microsecond
			if sleepDuration > maxSleep {
				sleepDuration = maxSleep
			}
			time.Sleep(sleepDuration)
		}

		return next(entry)
	}
}

// NewCRLFAdapter normalizes newlines to CRLF. Sessions recorded without a
// pty carry bare newlines, which creep across the screen when replayed on a
// raw terminal because the cursor never returns to the first column.
func NewCRLFAdapter(next LogSink) LogSink {
	return func(entry *Entry) error {
		if !entry.Close {
			entry.Data = crlf.ReplaceAll(entry.Data, []byte("\r\n"))
		}

		return next(entry)
	}
}

// NewClientOutput writes stdout and stderr to the given writer.
func NewClientOutput(w io.Writer) LogSink {
	return func(entry *Entry) error {
		if !entry.Close && entry.Fd != Stdin {
			if _, err := w.Write(entry.Data); err != nil {
				return err
			}
		}
		return nil
	}
}

// Replay reads a stream of events to a callback.
func Replay(recording LogSource, callback LogSink) error {
	for {
		entry, err := recording.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}

		if err := callback(entry); err != nil {
			return err
		}
	}
}

// Recorder taps a session's streams and forwards a copy of the traffic to a
// LogSink. Recording failures are reported once and do not disturb the
// session.
type Recorder struct {
	mutex  sync.Mutex
	output LogSink

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRecorder wraps the session streams, forwarding all traffic to output.
func NewRecorder(stdin io.Reader, stdout, stderr io.Writer, output LogSink) *Recorder {
	r := &Recorder{output: output}
	r.stdin = &recordedReader{r: r, fd: Stdin, wrapped: stdin}
	r.stdout = &recordedWriter{r: r, fd: Stdout, wrapped: stdout}
	r.stderr = &recordedWriter{r: r, fd: Stderr, wrapped: stderr}
	return r
}

// Stdin returns the recorded input stream.
func (r *Recorder) Stdin() io.Reader { return r.stdin }

// Stdout returns the recorded output stream.
func (r *Recorder) Stdout() io.Writer { return r.stdout }

// Stderr returns the recorded error stream.
func (r *Recorder) Stderr() io.Writer { return r.stderr }

// Finish emits close events for the streams.
func (r *Recorder) Finish() {
	now := time.Now().UnixMicro()
	r.record(&Entry{TimestampMicros: now, Fd: Stdout, Close: true})
	r.record(&Entry{TimestampMicros: now, Fd: Stdin, Close: true})
}

func (r *Recorder) record(entry *Entry) {
	r.mutex.Lock()
	err := r.output(entry)
	r.mutex.Unlock()
	if err != nil {
		log.Print(err)
	}
}

type recordedReader struct {
	r       *Recorder
	fd      FD
	wrapped io.Reader
}

func (rc *recordedReader) Read(p []byte) (int, error) {
	n, err := rc.wrapped.Read(p)
	if err == nil && n > 0 {
		data := make([]byte, n)
		copy(data, p[:n])
		rc.r.record(&Entry{TimestampMicros: time.Now().UnixMicro(), Fd: rc.fd, Data: data})
	}
	return n, err
}

type recordedWriter struct {
	r       *Recorder
	fd      FD
	wrapped io.Writer
}

func (rc *recordedWriter) Write(p []byte) (int, error) {
	eventTime := time.Now()
	n, err := rc.wrapped.Write(p)
	if err == nil {
		data := make([]byte, n)
		copy(data, p[:n])
		rc.r.record(&Entry{TimestampMicros: eventTime.UnixMicro(), Fd: rc.fd, Data: data})
	}
	return n, err
}
